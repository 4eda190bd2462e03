package gamelog

import (
	"bufio"
	"errors"
	"strconv"
	"strings"
)

// ErrNoResults is returned when a log contains no parseable result lines,
// which workers treat as a failed simulation.
var ErrNoResults = errors.New("no results in output")

// Outcome is one game's parsed result. An empty winner is a draw.
type Outcome struct {
	Winner string
	Turn   int
}

// Parser extracts per-game outcomes from a simulator container's stdout.
// The simulator binary is an external collaborator; swapping its output
// format means swapping the parser, nothing else.
type Parser interface {
	// Parse returns exactly `games` outcomes. Games the log does not report
	// are zero-valued.
	Parse(logText string, games int) ([]Outcome, error)
}

// lineParser reads the simulator's result lines:
//
//	RESULT game=1 turn=9 winner=Goblin Rush
//
// game is 1-based within the container, winner runs to the end of the line
// so deck names may contain spaces, and a draw leaves winner empty.
type lineParser struct{}

// NewLineParser returns the parser for the stock simulator image.
func NewLineParser() Parser {
	return lineParser{}
}

func (lineParser) Parse(logText string, games int) ([]Outcome, error) {
	if games < 0 {
		games = 0
	}
	outcomes := make([]Outcome, games)
	found := 0

	scanner := bufio.NewScanner(strings.NewReader(logText))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, ok := strings.CutPrefix(line, "RESULT ")
		if !ok {
			continue
		}

		game, turn, winner, ok := parseResultLine(rest)
		if !ok || game < 1 || game > games {
			continue
		}

		outcomes[game-1] = Outcome{Winner: winner, Turn: turn}
		found++
	}

	if found == 0 {
		return nil, ErrNoResults
	}
	return outcomes, nil
}

func parseResultLine(rest string) (game, turn int, winner string, ok bool) {
	gameStr, rest, ok := cutField(rest, "game=")
	if !ok {
		return 0, 0, "", false
	}
	turnStr, rest, ok := cutField(rest, "turn=")
	if !ok {
		return 0, 0, "", false
	}
	winner, ok = strings.CutPrefix(rest, "winner=")
	if !ok {
		return 0, 0, "", false
	}

	game, err := strconv.Atoi(gameStr)
	if err != nil {
		return 0, 0, "", false
	}
	// A draw reports turn=0; anything unparseable rejects the line.
	turn, err = strconv.Atoi(turnStr)
	if err != nil {
		return 0, 0, "", false
	}

	return game, turn, strings.TrimSpace(winner), true
}

// cutField splits "key=value rest..." returning the value token and the
// remainder after the following space.
func cutField(s, key string) (value, rest string, ok bool) {
	s, ok = strings.CutPrefix(s, key)
	if !ok {
		return "", "", false
	}
	value, rest, ok = strings.Cut(s, " ")
	if !ok {
		return "", "", false
	}
	return value, rest, true
}
