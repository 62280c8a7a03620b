// Package rules applies UCI moves to FEN positions using notnil/chess.
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/notnil/chess"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	// ErrInvalidFEN is returned for positions that cannot be parsed.
	ErrInvalidFEN = errors.New("invalid FEN")

	// ErrIllegalMove is returned for moves that are not legal in the position.
	ErrIllegalMove = errors.New("illegal move")
)

// Standard implements move application for standard chess.
type Standard struct{}

// New returns the standard chess rules.
func New() Standard {
	return Standard{}
}

func position(fen string) (*chess.Position, error) {
	opt, err := chess.FEN(strings.TrimSpace(fen))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFEN, fen, err)
	}
	return chess.NewGame(opt).Position(), nil
}

// ValidateFEN reports whether fen is a parseable position.
func (Standard) ValidateFEN(fen string) error {
	_, err := position(fen)
	return err
}

// Normalize returns fen as rendered by the rules engine.
func (Standard) Normalize(fen string) (string, error) {
	pos, err := position(fen)
	if err != nil {
		return "", err
	}
	return pos.String(), nil
}

// ApplyMove plays a UCI move such as "e2e4" or "e7e8q" and returns the resulting FEN.
func (Standard) ApplyMove(fen, move string) (string, error) {
	pos, err := position(fen)
	if err != nil {
		return "", err
	}
	next, err := apply(pos, move)
	if err != nil {
		return "", err
	}
	return next.String(), nil
}

// ApplyMoves plays moves in order from fen and returns the FEN after each one.
// It stops at the first illegal move, returning the positions reached so far.
func (Standard) ApplyMoves(fen string, moves []string) ([]string, error) {
	pos, err := position(fen)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(moves))
	for _, mv := range moves {
		pos, err = apply(pos, mv)
		if err != nil {
			return out, err
		}
		out = append(out, pos.String())
	}
	return out, nil
}

// LegalMoves returns the legal moves of fen in UCI notation.
func (Standard) LegalMoves(fen string) ([]string, error) {
	pos, err := position(fen)
	if err != nil {
		return nil, err
	}
	valid := pos.ValidMoves()
	out := make([]string, 0, len(valid))
	for _, m := range valid {
		out = append(out, chess.UCINotation{}.Encode(pos, m))
	}
	return out, nil
}

// IsTerminal reports whether the side to move is mated or stalemated.
func (Standard) IsTerminal(fen string) (bool, error) {
	pos, err := position(fen)
	if err != nil {
		return false, err
	}
	return pos.Status() != chess.NoMethod, nil
}

// apply matches move against the legal moves so illegal input is rejected.
func apply(pos *chess.Position, move string) (*chess.Position, error) {
	decoded, err := chess.UCINotation{}.Decode(pos, strings.ToLower(strings.TrimSpace(move)))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrIllegalMove, move, err)
	}
	for _, m := range pos.ValidMoves() {
		if m.S1() == decoded.S1() && m.S2() == decoded.S2() && m.Promo() == decoded.Promo() {
			return pos.Update(m), nil
		}
	}
	return nil, fmt.Errorf("%w: %q in %s", ErrIllegalMove, move, pos.String())
}
