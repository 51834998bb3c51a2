package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
)

// MaxDice bounds how many dice one request may roll
const MaxDice = 1_000_000

var (
	// ErrTooManyDice is returned when a request asks for more than MaxDice
	ErrTooManyDice = errors.New("too many dice")
	// ErrNoDice is returned for an empty request
	ErrNoDice = errors.New("no dice to roll")
)

// SyntaxError reports a term that is not a die
type SyntaxError struct {
	Term string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expected %s to be like XdY, e.g. 3d6 or 1d8", e.Term)
}

// Mode selects the rolling rules
type Mode int

const (
	// Cortex rolls plain dice where a 1 is a glitch
	Cortex Mode = iota
	// Shimmer lets a die that rolls its maximum try again one size up
	Shimmer
)

// Die is a die by its number of sides
type Die int

func (d Die) String() string {
	return fmt.Sprintf("d%d", int(d))
}

// shimmerDice are the sizes valid in Shimmer mode, smallest first
var shimmerDice = []Die{4, 6, 8, 10, 12}

func (d Die) bumpUp() Die {
	for i, s := range shimmerDice {
		if s == d && i+1 < len(shimmerDice) {
			return shimmerDice[i+1]
		}
	}
	return d
}

// Parse reads a dice request such as "d4", "3d6 1d10" or "6 8 10"
func Parse(input string, mode Mode) ([]Die, error) {
	var dice []Die
	for _, term := range strings.Fields(input) {
		count, die, ok := parseTerm(term)
		if !ok || !valid(die, mode) {
			return nil, &SyntaxError{Term: term}
		}
		if count > MaxDice || len(dice)+count > MaxDice {
			return nil, ErrTooManyDice
		}
		for i := 0; i < count; i++ {
			dice = append(dice, die)
		}
	}
	if len(dice) == 0 {
		return nil, ErrNoDice
	}
	return dice, nil
}

func parseTerm(term string) (int, Die, bool) {
	if sides, err := strconv.Atoi(term); err == nil {
		return 1, Die(sides), true
	}
	idx := strings.IndexByte(term, 'd')
	if idx < 0 {
		return 0, 0, false
	}
	count := 1
	if idx > 0 {
		n, err := strconv.Atoi(term[:idx])
		if err != nil || n < 0 {
			return 0, 0, false
		}
		count = n
	}
	sides, err := strconv.Atoi(term[idx+1:])
	if err != nil {
		return 0, 0, false
	}
	return count, Die(sides), true
}

func valid(d Die, mode Mode) bool {
	if mode == Shimmer {
		for _, s := range shimmerDice {
			if s == d {
				return true
			}
		}
		return false
	}
	return d >= 1
}

// Roll is one rolled die. Ultimate is the die the value was finally read
// from; it differs from Initial only after shimmering.
type Roll struct {
	Value    int
	Initial  Die
	Ultimate Die
	Shimmers int
	Glitch   bool
}

func value(v int, d Die) Roll {
	return Roll{Value: v, Initial: d, Ultimate: d}
}

func glitch(d Die) Roll {
	return Roll{Value: 1, Initial: d, Ultimate: d, Glitch: true}
}

// Roller rolls dice from a random source
type Roller struct {
	intn func(n int) int
}

// NewRoller creates a roller seeded from the global source
func NewRoller() *Roller {
	return &Roller{intn: rand.Intn}
}

func (r *Roller) face(d Die) int {
	return r.intn(int(d)) + 1
}

func (r *Roller) roll(d Die, mode Mode) Roll {
	n := r.face(d)
	if n == 1 {
		return glitch(d)
	}
	if mode != Shimmer || n != int(d) || d.bumpUp() == d {
		return value(n, d)
	}

	bigger := d.bumpUp()
	next := r.roll(bigger, mode)
	switch {
	case next.Glitch, next.Shimmers == 0 && next.Value < n:
		return value(n, d)
	case next.Shimmers == 0:
		return Roll{Value: max(n, next.Value), Initial: d, Ultimate: bigger, Shimmers: 1}
	default:
		return Roll{Value: max(n, next.Value), Initial: d, Ultimate: next.Ultimate, Shimmers: next.Shimmers + 1}
	}
}

// Roll rolls every die
func (r *Roller) Roll(dice []Die, mode Mode) Result {
	rolls := make([]Roll, len(dice))
	for i, d := range dice {
		rolls[i] = r.roll(d, mode)
	}
	return Result{Rolls: rolls}
}

// Outcome is one interpretation of a roll: the total of two dice plus an
// effect die
type Outcome struct {
	Botch  bool
	Total  int
	Effect Die
}

// Result is a finished roll
type Result struct {
	Rolls []Roll
}

// Botch reports whether every die glitched
func (r Result) Botch() bool {
	for _, roll := range r.Rolls {
		if !roll.Glitch {
			return false
		}
	}
	return true
}

// Glitches counts dice that rolled a 1
func (r Result) Glitches() int {
	n := 0
	for _, roll := range r.Rolls {
		if roll.Glitch {
			n++
		}
	}
	return n
}

// Shimmers counts dice that shimmered at least once
func (r Result) Shimmers() int {
	n := 0
	for _, roll := range r.Rolls {
		if roll.Shimmers > 0 {
			n++
		}
	}
	return n
}

func (r Result) nonGlitches() []Roll {
	out := make([]Roll, 0, len(r.Rolls))
	for _, roll := range r.Rolls {
		if !roll.Glitch {
			out = append(out, roll)
		}
	}
	return out
}

// HighestEffect keeps the biggest die (lowest value on ties) as effect and
// totals the best two of the rest. With fewer than three dice every value
// counts and the effect falls back to a d4.
func (r Result) HighestEffect() Outcome {
	vals := r.nonGlitches()
	if len(vals) == 0 {
		return Outcome{Botch: true}
	}

	effectIdx := 0
	for i, v := range vals {
		e := vals[effectIdx]
		if v.Ultimate > e.Ultimate || (v.Ultimate == e.Ultimate && v.Value <= e.Value) {
			effectIdx = i
		}
	}

	if len(vals) < 3 {
		total := 0
		for _, v := range vals {
			total += v.Value
		}
		return Outcome{Total: total, Effect: 4}
	}

	remaining := make([]int, 0, len(vals)-1)
	for i, v := range vals {
		if i != effectIdx {
			remaining = append(remaining, v.Value)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(remaining)))
	return Outcome{Total: remaining[0] + remaining[1], Effect: vals[effectIdx].Ultimate}
}

// HighestTotal totals the two highest values and takes the biggest remaining
// die as effect, a d4 when none is left
func (r Result) HighestTotal() Outcome {
	sorted := make([]Roll, len(r.Rolls))
	copy(sorted, r.Rolls)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Glitch || b.Glitch {
			return a.Glitch && !b.Glitch
		}
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.Ultimate > b.Ultimate
	})

	total := 0
	top := len(sorted) - 2
	if top < 0 {
		top = 0
	}
	for _, roll := range sorted[top:] {
		if !roll.Glitch {
			total += roll.Value
		}
	}
	if total == 0 {
		return Outcome{Botch: true}
	}

	var effect Die
	for _, roll := range sorted[:top] {
		if !roll.Glitch && roll.Ultimate > effect {
			effect = roll.Ultimate
		}
	}
	if effect == 0 {
		effect = 4
	}
	return Outcome{Total: total, Effect: effect}
}

// Summary is the short verdict: glitches, shimmers and the best outcomes
func (r Result) Summary() string {
	if r.Botch() {
		return "**BOTCH!**"
	}

	var sb strings.Builder
	if n := r.Glitches(); n > 0 {
		fmt.Fprintf(&sb, "%d Glitches!\n", n)
	}
	if n := r.Shimmers(); n > 0 {
		fmt.Fprintf(&sb, "%d Shimmers!\n", n)
	}

	effect, total := r.HighestEffect(), r.HighestTotal()
	if effect == total {
		fmt.Fprintf(&sb, "Total: %d (effect %s)", effect.Total, effect.Effect)
	} else {
		fmt.Fprintf(&sb, "Best effect: %d (effect %s)\n", effect.Total, effect.Effect)
		fmt.Fprintf(&sb, "Best total: %d (effect %s)", total.Total, total.Effect)
	}
	return sb.String()
}

// Markdown lists every die followed by the summary
func (r Result) Markdown() string {
	var sb strings.Builder
	for _, roll := range r.Rolls {
		switch {
		case roll.Glitch:
			fmt.Fprintf(&sb, "**1** (%s) ", roll.Initial)
		case roll.Shimmers == 1:
			fmt.Fprintf(&sb, "**%d** (%s shimmered up to %s) ", roll.Value, roll.Initial, roll.Ultimate)
		case roll.Shimmers > 1:
			fmt.Fprintf(&sb, "**%d** (%s shimmered **%d** times up to %s) ", roll.Value, roll.Initial, roll.Shimmers, roll.Ultimate)
		default:
			fmt.Fprintf(&sb, "%d (%s) ", roll.Value, roll.Initial)
		}
	}
	sb.WriteString("\n\n")
	sb.WriteString(r.Summary())
	return strings.TrimSpace(sb.String())
}
