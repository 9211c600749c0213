// Package config persists identities with their search progress and the tuned
// launch geometry of every device in a single ini file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hadv/tshasher/miner"
	"gopkg.in/ini.v1"
)

// DefaultFile is the file used when no other is given
const DefaultFile = "tshasher.ini"

// DefaultNickname is stored for identities added without a nickname
const DefaultNickname = "(no_nickname)"

const (
	identitySection = "identity"
	tuningSection   = "tunedparameter"

	keyNickname       = "nickname"
	keyIdentity       = "identity"
	keyCurrentCounter = "currentcounter"
	keyBestCounter    = "bestcounter"

	keyDeviceName       = "devicename"
	keyDeviceIdentifier = "deviceidentifier"
	keyLocalWorkSize    = "localworksize"
	keyGlobalWorkSize   = "globalworksize"
)

var (
	// ErrInvalidRecord reports a section that cannot be parsed
	ErrInvalidRecord = errors.New("invalid record")
	// ErrDuplicateIdentity reports an identity stored more than once
	ErrDuplicateIdentity = errors.New("duplicate identity")
	// ErrDuplicateDevice reports a device identifier stored more than once
	ErrDuplicateDevice = errors.New("duplicate device identifier")
	// ErrUnknownIdentity reports an identity index out of range
	ErrUnknownIdentity = errors.New("unknown identity")
)

func init() {
	// key=value without blanks, as the file has always been written
	ini.PrettyFormat = false
}

var loadOptions = ini.LoadOptions{
	AllowNonUniqueSections: true,
	AllowShadows:           true,
	IgnoreInlineComment:    true,
}

// Identity is a public key together with the progress made on it
type Identity struct {
	Nickname       string
	PublicKey      string
	CurrentCounter uint64
	BestCounter    uint64
}

// Level returns the security level reached by the best counter
func (id Identity) Level() uint8 {
	return miner.Difficulty([]byte(id.PublicKey), id.BestCounter)
}

// Progress returns the resumable state of the identity
func (id Identity) Progress() miner.Progress {
	return miner.Progress{Counter: id.CurrentCounter, BestCounter: id.BestCounter}
}

// Store is the content of the ini file. It is safe for concurrent use.
type Store struct {
	path string

	mu         sync.Mutex
	identities []Identity
	tuning     []miner.TunedConfig
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Debug("No config file, starting empty", "path", path)
		return s, nil
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the file backing the store
func (s *Store) Path() string {
	return s.path
}

// Load replaces the content of the store with the file. Nothing is replaced on error.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	identities, tuning, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.mu.Lock()
	s.identities, s.tuning = identities, tuning
	s.mu.Unlock()

	log.Debug("Loaded config", "path", s.path, "identities", len(identities), "devices", len(tuning))
	return nil
}

// Save writes the store to a temporary file and renames it over the target
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := Encode(s.identities, s.tuning)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Identities returns a copy of the stored identities
func (s *Store) Identities() []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Identity(nil), s.identities...)
}

// Identity returns the identity at index i
func (s *Store) Identity(i int) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.identities) {
		return Identity{}, fmt.Errorf("%w: %d", ErrUnknownIdentity, i)
	}
	return s.identities[i], nil
}

// FindIdentity returns the index of the identity with the given public key
func (s *Store) FindIdentity(publicKey string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.identities {
		if id.PublicKey == publicKey {
			return i, true
		}
	}
	return -1, false
}

// PutIdentity adds id or replaces the identity with the same public key
func (s *Store) PutIdentity(id Identity) error {
	if err := miner.ValidateIdentity([]byte(id.PublicKey)); err != nil {
		return err
	}
	if id.Nickname == "" {
		id.Nickname = DefaultNickname
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.identities {
		if s.identities[i].PublicKey == id.PublicKey {
			s.identities[i] = id
			return nil
		}
	}
	s.identities = append(s.identities, id)
	return nil
}

// UpdateProgress stores the progress of the identity at index i
func (s *Store) UpdateProgress(i int, p miner.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.identities) {
		return fmt.Errorf("%w: %d", ErrUnknownIdentity, i)
	}
	s.identities[i].CurrentCounter = p.Counter
	s.identities[i].BestCounter = p.BestCounter
	return nil
}

// LookupTuning returns the tuned geometry of the device with the given fingerprint
func (s *Store) LookupTuning(fingerprint string) (miner.TunedConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tuning {
		if t.Fingerprint == fingerprint {
			return t, true
		}
	}
	return miner.TunedConfig{}, false
}

// StoreTuning adds or replaces the tuned geometry of a device
func (s *Store) StoreTuning(cfg miner.TunedConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tuning {
		if s.tuning[i].Fingerprint == cfg.Fingerprint {
			s.tuning[i] = cfg
			return
		}
	}
	s.tuning = append(s.tuning, cfg)
}

// ClearTuning forgets every tuned geometry
func (s *Store) ClearTuning() {
	s.mu.Lock()
	s.tuning = nil
	s.mu.Unlock()
}

// Tuning returns a copy of the tuned geometries
func (s *Store) Tuning() []miner.TunedConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]miner.TunedConfig(nil), s.tuning...)
}

// Parse reads identities and tuned geometries from ini data. Unknown sections or keys,
// repeated keys, repeated identities or devices and malformed values are errors.
func Parse(data []byte) ([]Identity, []miner.TunedConfig, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	var (
		identities []Identity
		tuning     []miner.TunedConfig
		seenIDs    = make(map[string]bool)
		seenDevs   = make(map[string]bool)
	)
	for _, sec := range f.Sections() {
		switch sec.Name() {
		case ini.DefaultSection:
			if len(sec.Keys()) > 0 {
				return nil, nil, fmt.Errorf("%w: keys outside of a section", ErrInvalidRecord)
			}
		case identitySection:
			id, err := parseIdentity(sec)
			if err != nil {
				return nil, nil, err
			}
			if seenIDs[id.PublicKey] {
				return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateIdentity, id.PublicKey)
			}
			seenIDs[id.PublicKey] = true
			identities = append(identities, id)
		case tuningSection:
			t, err := parseTuning(sec)
			if err != nil {
				return nil, nil, err
			}
			if seenDevs[t.Fingerprint] {
				return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, t.Fingerprint)
			}
			seenDevs[t.Fingerprint] = true
			tuning = append(tuning, t)
		default:
			return nil, nil, fmt.Errorf("%w: unknown section [%s]", ErrInvalidRecord, sec.Name())
		}
	}
	return identities, tuning, nil
}

// sectionValues returns the keys of a section, rejecting unknown and repeated ones
func sectionValues(sec *ini.Section, allowed ...string) (map[string]string, error) {
	values := make(map[string]string)
	for _, key := range sec.Keys() {
		known := false
		for _, name := range allowed {
			if key.Name() == name {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("%w: unknown key %q in [%s]", ErrInvalidRecord, key.Name(), sec.Name())
		}
		if _, dup := values[key.Name()]; dup || len(key.ValueWithShadows()) > 1 {
			return nil, fmt.Errorf("%w: repeated key %q in [%s]", ErrInvalidRecord, key.Name(), sec.Name())
		}
		values[key.Name()] = key.String()
	}
	return values, nil
}

func parseUint(sec string, values map[string]string, key string) (uint64, error) {
	v, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q in [%s]", ErrInvalidRecord, key, sec)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q in [%s]", ErrInvalidRecord, key, v, sec)
	}
	return n, nil
}

func parseIdentity(sec *ini.Section) (Identity, error) {
	values, err := sectionValues(sec, keyNickname, keyIdentity, keyCurrentCounter, keyBestCounter)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{
		Nickname:  values[keyNickname],
		PublicKey: values[keyIdentity],
	}
	if id.Nickname == "" {
		id.Nickname = DefaultNickname
	}
	if err := miner.ValidateIdentity([]byte(id.PublicKey)); err != nil {
		return Identity{}, fmt.Errorf("%w: [%s]: %v", ErrInvalidRecord, identitySection, err)
	}
	if id.CurrentCounter, err = parseUint(identitySection, values, keyCurrentCounter); err != nil {
		return Identity{}, err
	}
	id.BestCounter = id.CurrentCounter
	if _, ok := values[keyBestCounter]; ok {
		if id.BestCounter, err = parseUint(identitySection, values, keyBestCounter); err != nil {
			return Identity{}, err
		}
	}
	return id, nil
}

func parseTuning(sec *ini.Section) (miner.TunedConfig, error) {
	values, err := sectionValues(sec, keyDeviceName, keyDeviceIdentifier, keyLocalWorkSize, keyGlobalWorkSize)
	if err != nil {
		return miner.TunedConfig{}, err
	}
	t := miner.TunedConfig{
		DeviceName:  values[keyDeviceName],
		Fingerprint: values[keyDeviceIdentifier],
	}
	if t.DeviceName == "" || t.Fingerprint == "" {
		return miner.TunedConfig{}, fmt.Errorf("%w: [%s] needs %s and %s", ErrInvalidRecord, tuningSection, keyDeviceName, keyDeviceIdentifier)
	}
	local, err := parseUint(tuningSection, values, keyLocalWorkSize)
	if err != nil {
		return miner.TunedConfig{}, err
	}
	global, err := parseUint(tuningSection, values, keyGlobalWorkSize)
	if err != nil {
		return miner.TunedConfig{}, err
	}
	if local == 0 || global < local || global > 1<<40 {
		return miner.TunedConfig{}, fmt.Errorf("%w: work size %d/%d in [%s]", ErrInvalidRecord, local, global, tuningSection)
	}
	t.LocalWorkSize, t.GlobalWorkSize = int(local), int(global)
	return t, nil
}

// Encode renders identities and tuned geometries as ini data
func Encode(identities []Identity, tuning []miner.TunedConfig) ([]byte, error) {
	f := ini.Empty(loadOptions)
	for _, id := range identities {
		sec, err := f.NewSection(identitySection)
		if err != nil {
			return nil, err
		}
		err = addKeys(sec,
			keyNickname, id.Nickname,
			keyIdentity, id.PublicKey,
			keyCurrentCounter, strconv.FormatUint(id.CurrentCounter, 10),
			keyBestCounter, strconv.FormatUint(id.BestCounter, 10))
		if err != nil {
			return nil, err
		}
	}
	for _, t := range tuning {
		sec, err := f.NewSection(tuningSection)
		if err != nil {
			return nil, err
		}
		err = addKeys(sec,
			keyDeviceName, t.DeviceName,
			keyDeviceIdentifier, t.Fingerprint,
			keyLocalWorkSize, strconv.Itoa(t.LocalWorkSize),
			keyGlobalWorkSize, strconv.Itoa(t.GlobalWorkSize))
		if err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// addKeys appends name/value pairs to a section
func addKeys(sec *ini.Section, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if _, err := sec.NewKey(pairs[i], pairs[i+1]); err != nil {
			return fmt.Errorf("[%s] %s: %w", sec.Name(), pairs[i], err)
		}
	}
	return nil
}
