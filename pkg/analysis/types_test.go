package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrincipalMoves(t *testing.T) {
	tests := []struct {
		name   string
		result *Result
		n      int
		want   []string
	}{
		{"nil result", nil, 3, nil},
		{"truncates", &Result{PV: []string{"e2e4", "e7e5", "g1f3", "b8c6"}}, 3, []string{"e2e4", "e7e5", "g1f3"}},
		{"shorter pv", &Result{PV: []string{"e2e4"}}, 3, []string{"e2e4"}},
		{"falls back to best move", &Result{BestMove: "d2d4"}, 3, []string{"d2d4"}},
		{"zero n", &Result{PV: []string{"e2e4"}}, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.PrincipalMoves(tt.n))
		})
	}
}

func TestPrincipalMovesDoesNotAlias(t *testing.T) {
	r := &Result{PV: []string{"e2e4", "e7e5"}}
	moves := r.PrincipalMoves(2)
	moves[0] = "a2a3"
	assert.Equal(t, "e2e4", r.PV[0])
}

func TestScoreString(t *testing.T) {
	assert.Equal(t, "+0.35", Score{Centipawns: 35}.String())
	assert.Equal(t, "-1.20", Score{Centipawns: -120}.String())
	assert.Equal(t, "#-3", Score{Mate: -3}.String())
}
