package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/session"
	"github.com/lowaak/smart-trainer/lift-sync/internal/store"
)

// formatDurationMMSS formats a duration as MM:SS
func formatDurationMMSS(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

func formatWeight(kg float64) string {
	if kg == float64(int(kg)) {
		return fmt.Sprintf("%d kg", int(kg))
	}
	return fmt.Sprintf("%.1f kg", kg)
}

func statusColor(status string) string {
	switch status {
	case "active":
		return "green"
	case "paused":
		return "yellow"
	case "error":
		return "red"
	default:
		return "gray"
	}
}

func setMarker(status string) string {
	switch status {
	case "active":
		return "[green]>[white]"
	case "completed":
		return "[gray]✓[white]"
	default:
		return " "
	}
}

// renderSession formats the session panel
func renderSession(v session.View) string {
	var b strings.Builder
	b.WriteString("\n")
	if v.Status == "idle" {
		b.WriteString("  [gray]No workout running[white]\n\n")
		b.WriteString("  [yellow]Space[white] Start the loaded plan\n")
		return b.String()
	}

	title := v.PlanTitle
	if title == "" {
		title = v.PlanID
	}
	fmt.Fprintf(&b, "  [yellow]%s[white] [%s](%s)[white]\n", title, statusColor(v.Status), strings.ToUpper(v.Status))
	if v.Reason != "" {
		fmt.Fprintf(&b, "  [red]%s[white]\n", v.Reason)
	}
	fmt.Fprintf(&b, "  [gray]Elapsed:[white] %s   [gray]Phase:[white] %s\n",
		formatDurationMMSS(time.Duration(v.ElapsedMs)*time.Millisecond), v.Phase)
	if v.HeartRate != nil {
		fmt.Fprintf(&b, "  [red]♥[white] %d bpm", *v.HeartRate)
		if v.Calories != nil {
			fmt.Fprintf(&b, "   %.0f kcal", *v.Calories)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for i, ex := range v.Exercises {
		color := "gray"
		if i == v.CurrentExercise {
			color = "cyan"
		}
		done := ""
		if ex.IsCompleted {
			done = " [gray](done)[white]"
		}
		fmt.Fprintf(&b, "  [%s]%d. %s[white]%s\n", color, i+1, ex.Name, done)
		if i != v.CurrentExercise {
			continue
		}
		for _, s := range ex.Sets {
			fmt.Fprintf(&b, "   %s Set %d  %d/%d reps  %s\n", setMarker(s.Status), s.Order, s.ActualReps, s.TargetReps, formatWeight(s.Weight))
		}
	}

	if v.Rest != nil {
		fmt.Fprintf(&b, "\n  [cyan]Rest (%s)[white] %s / %s\n", v.Rest.Type,
			formatDurationMMSS(time.Duration(v.Rest.RemainingMs)*time.Millisecond),
			formatDurationMMSS(time.Duration(v.Rest.DurationMs)*time.Millisecond))
	}
	if v.Prompt != nil {
		b.WriteString("\n" + renderPrompt(*v.Prompt))
	}
	return b.String()
}

func renderPrompt(p session.PromptView) string {
	switch p.Kind {
	case session.PromptKindMissingFields:
		return fmt.Sprintf("  [yellow]Missing:[white] %s - use [yellow]+/-[white] and [yellow]↑/↓[white] then [yellow]E[white]\n", strings.Join(p.Fields, ", "))
	case session.PromptKindDecision:
		return fmt.Sprintf("  [yellow]%d sets done.[white] [yellow]N[white] Another set  |  [yellow]F[white] Finish exercise\n", p.CompletedSets)
	case session.PromptKindAutoDetection:
		return fmt.Sprintf("  [yellow]Set looks finished (%s ago).[white] [yellow]C[white] Rest %s  |  [yellow]R[white] Custom rest  |  [yellow]D[white] Dismiss\n",
			formatDurationMMSS(time.Duration(p.TimeElapsedMs)*time.Millisecond),
			formatDurationMMSS(time.Duration(p.CompensatedRestMs)*time.Millisecond))
	case session.PromptKindUpgrade:
		return fmt.Sprintf("  [red]Free plan allows %d sets per exercise.[white] [yellow]D[white] Dismiss\n", p.Limit)
	default:
		return ""
	}
}

func formatWorkoutItem(w store.WorkoutSummary) (string, string) {
	title := w.PlanTitle
	if title == "" {
		title = w.PlanID
	}
	main := fmt.Sprintf("%s  %s", w.StartedAt.Local().Format("2006-01-02 15:04"), title)
	secondary := fmt.Sprintf("%d sets, %s", w.CompletedSets, formatDurationMMSS(w.Elapsed))
	return main, secondary
}

func renderWorkoutSets(h HistoryState) string {
	if h.Selected == "" {
		return "\n  [gray]Select a workout to see its sets.[white]\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n  [yellow]%s[white]\n\n", h.Selected)
	exercise := ""
	for _, s := range h.Sets {
		if s.ExerciseName != exercise {
			exercise = s.ExerciseName
			fmt.Fprintf(&b, "  [cyan]%s[white]\n", exercise)
		}
		fmt.Fprintf(&b, "    Set %d  %d/%d reps  %s  [gray]%d samples[white]\n", s.Order, s.ActualReps, s.TargetReps, formatWeight(s.Weight), s.Samples)
	}
	return b.String()
}

func renderLink(l LinkState) string {
	var b strings.Builder
	reach := "[red]unreachable[white]"
	if l.Reachable {
		reach = "[green]reachable[white]"
	}
	fmt.Fprintf(&b, "\n  [gray]State:[white] %s   %s\n\n", l.State, reach)
	s := l.Stats
	rows := []struct {
		name  string
		value uint64
	}{
		{"Chunks queued", s.ChunksQueued},
		{"Chunks sent", s.ChunksSent},
		{"Chunks received", s.ChunksReceived},
		{"Samples dropped", s.SamplesDropped},
		{"Fragments sent", s.FragmentsSent},
		{"Fragments received", s.FragmentsReceived},
		{"Duplicate fragments", s.DuplicateFragments},
		{"Telemetry sent", s.TelemetrySent},
		{"Telemetry coalesced", s.TelemetryCoalesced},
		{"Telemetry discarded", s.TelemetryDiscarded},
		{"Commands sent", s.CommandsSent},
		{"Commands received", s.CommandsReceived},
		{"Commands rejected", s.CommandsRejected},
		{"Invalid frames", s.InvalidFrames},
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "  %-20s [yellow]%d[white]\n", r.name, r.value)
	}
	return b.String()
}
