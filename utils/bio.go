package utils

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

type MouseEvent struct {
	Type string
	X    float64
	Y    float64
}

type SubEvent struct {
	Event         MouseEvent
	SincePrevious time.Duration
}

func (me MouseEvent) Format(elapsed time.Duration) string {
	codeMap := map[string]int{"Move": 0, "Down": 1, "Up": 2}
	return fmt.Sprintf("%d,%d,%.0f,%.0f;", elapsed.Milliseconds(), codeMap[me.Type], me.X, me.Y)
}

// GenerateDragEvents frames a trajectory with a press at its first point and
// a release at its last one. Moves are paced 10-20ms apart.
func GenerateDragEvents(rng *rand.Rand, traj *Trajectory) []SubEvent {
	points := traj.Points()
	if len(points) == 0 {
		return nil
	}

	first, last := points[0], points[len(points)-1]
	events := []SubEvent{
		{Event: MouseEvent{"Move", first.X, first.Y}, SincePrevious: 0},
		{Event: MouseEvent{"Down", first.X, first.Y}, SincePrevious: jitter(rng, 60, 40)},
	}
	for _, p := range points[1:] {
		events = append(events, SubEvent{
			Event:         MouseEvent{"Move", p.X, p.Y},
			SincePrevious: jitter(rng, 10, 10), // point delay
		})
	}
	events = append(events, SubEvent{
		Event:         MouseEvent{"Up", last.X, last.Y},
		SincePrevious: jitter(rng, 80, 60),
	})
	return events
}

// GenerateMouseClickEvent is a press/release pair at one point.
func GenerateMouseClickEvent(rng *rand.Rand, x, y float64) []SubEvent {
	return []SubEvent{
		{Event: MouseEvent{"Down", x, y}, SincePrevious: 0},
		{Event: MouseEvent{"Up", x, y}, SincePrevious: jitter(rng, 50, 150)},
	}
}

// EncodeEvents renders events as "elapsed,code,x,y;" records, for logs.
func EncodeEvents(events []SubEvent) string {
	var b strings.Builder
	var elapsed time.Duration
	for _, event := range events {
		elapsed += event.SincePrevious
		b.WriteString(event.Event.Format(elapsed))
	}
	return b.String()
}

// jitter returns base plus up to spread milliseconds.
func jitter(rng *rand.Rand, base, spread int) time.Duration {
	return time.Duration(base+rng.Intn(spread+1)) * time.Millisecond
}

// Jittered returns d scaled by a factor in [0.8, 1.2].
func Jittered(rng *rand.Rand, d time.Duration) time.Duration {
	return time.Duration(float64(d) * (1 + (rng.Float64()*0.4 - 0.2)))
}
