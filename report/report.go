// Package report renders the console status of a search run and the identity
// and device listings.
package report

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/hadv/tshasher/config"
	"github.com/hadv/tshasher/miner"
	"github.com/olekukonko/tablewriter"
)

// clearScreen moves the cursor home and clears the terminal
const clearScreen = "\033[H\033[2J"

// Reporter prints run snapshots as tables
type Reporter struct {
	out   io.Writer
	clear bool
}

// NewReporter creates a reporter writing to out. With clear set, every frame
// replaces the previous one.
func NewReporter(out io.Writer, clear bool) *Reporter {
	return &Reporter{out: out, clear: clear}
}

// Render prints one frame
func (r *Reporter) Render(snap miner.Snapshot) {
	if r.clear {
		io.WriteString(r.out, clearScreen)
	}
	if snap.SlowPhase {
		fmt.Fprintln(r.out, "WARNING: You have entered the slow phase. With a fresh identity you could double your speed.")
	}

	overview := newTable(r.out, "Overview", "")
	overview.Append([]string{"Running time", FormatDuration(snap.RunningTime)})
	overview.Append([]string{"Current speed [total]", FormatRate(snap.CurrentSpeed) + "Hash/s"})
	overview.Append([]string{"Average speed [total]", FormatRate(snap.AverageSpeed) + "Hash/s"})
	if snap.SlowPhase {
		overview.Append([]string{"Estimated time until slow phase", "0 (IN SLOW PHASE!!!)"})
	} else {
		overview.Append([]string{"Estimated time until slow phase", FormatDuration(snap.TimeUntilSlow)})
	}
	overview.Append([]string{"Security level", fmt.Sprintf("%d (with counter=%d)", snap.Best.Difficulty, snap.Best.Counter)})
	overview.Append([]string{"Estimated time until level " + strconv.Itoa(int(snap.NextLevel)), FormatDuration(snap.NextLevelETA)})
	overview.Append([]string{"Target floor", strconv.Itoa(int(snap.Floor))})
	overview.Append([]string{"Current counter", strconv.FormatUint(snap.Counter, 10)})
	overview.Render()
	fmt.Fprintln(r.out)

	for _, dev := range snap.Devices {
		t := newTable(r.out, fmt.Sprintf("Device %s [%d]", dev.Info.DisplayName(), dev.Info.Ordinal), "")
		t.Append([]string{"Local/Global work size", fmt.Sprintf("%d/%d", dev.LocalWorkSize, dev.GlobalWorkSize)})
		t.Append([]string{"Current speed", FormatRate(dev.CurrentSpeed) + "Hash/s"})
		t.Append([]string{"Average speed", FormatRate(dev.AverageSpeed) + "Hash/s"})
		t.Append([]string{"Scheduling", fmt.Sprintf("%.2f Kernels/s", dev.KernelsPerSecond)})
		t.Append([]string{"Kernel time (min/max)", fmt.Sprintf("%v/%v",
			dev.RecentMin.Round(time.Microsecond), dev.RecentMax.Round(time.Microsecond))})
		t.Append([]string{"Best", fmt.Sprintf("%d (with counter=%d)", dev.Best.Difficulty, dev.Best.Counter)})
		t.Render()
	}
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "(press Ctrl+C to stop and save progress)")
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(out)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	return t
}

// Identities prints the stored identities with their security level
func Identities(out io.Writer, ids []config.Identity) {
	t := newTable(out, "#", "Nickname", "Level", "Current counter", "Best counter", "Identity")
	for i, id := range ids {
		t.Append([]string{
			strconv.Itoa(i),
			id.Nickname,
			strconv.Itoa(int(id.Level())),
			strconv.FormatUint(id.CurrentCounter, 10),
			strconv.FormatUint(id.BestCounter, 10),
			abbreviate(id.PublicKey, 24),
		})
	}
	t.Render()
}

// Devices prints the compute devices with their fingerprints
func Devices(out io.Writer, devices []miner.DeviceInfo) {
	t := newTable(out, "#", "Name", "Type", "Vendor", "Compute units", "Max work group", "Fingerprint")
	for _, d := range devices {
		t.Append([]string{
			strconv.Itoa(d.Ordinal),
			d.DisplayName(),
			d.Type.String(),
			d.Vendor,
			strconv.Itoa(d.ComputeUnits),
			strconv.Itoa(d.MaxWorkGroupSize),
			d.Fingerprint(),
		})
	}
	t.Render()
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// FormatRate formats a count with a T, G or M suffix
func FormatRate(x float64) string {
	switch {
	case x > 1e12:
		return fmt.Sprintf("%.3f T", x/1e12)
	case x > 1e9:
		return fmt.Sprintf("%.3f G", x/1e9)
	case x > 1e6:
		return fmt.Sprintf("%.3f M", x/1e6)
	default:
		return fmt.Sprintf("%.3f ", x)
	}
}

// FormatDuration formats d as days, hours, minutes and seconds, rounding towards zero.
// Leading zero units are left out.
func FormatDuration(d time.Duration) string {
	if d == time.Duration(math.MaxInt64) {
		return "never"
	}
	if d < 0 {
		d = 0
	}
	secs := uint64(d / time.Second)

	var out string
	if days := secs / 86400; days > 0 {
		out += strconv.FormatUint(days, 10) + " days "
		secs -= days * 86400
	}
	if h := secs / 3600; h > 0 {
		out += strconv.FormatUint(h, 10) + " h "
		secs -= h * 3600
	}
	if m := secs / 60; m > 0 {
		out += strconv.FormatUint(m, 10) + " min "
		secs -= m * 60
	}
	return out + strconv.FormatUint(secs, 10) + " s"
}
