package uci

import (
	"strconv"
	"strings"

	"github.com/openvariant/variant/pkg/analysis"
)

// info is one parsed "info" line. Fields absent from the line are zero.
type info struct {
	depth    int
	selDepth int
	multiPV  int
	nodes    int64
	score    *analysis.Score
	pv       []string
}

// parseInfo parses an engine "info" line. Lines without search data, such as
// "info string ...", report ok=false.
func parseInfo(line string) (info, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "info" {
		return info{}, false
	}

	var in info
	useful := false
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "string":
			// The rest of the line is free text.
			return in, useful
		case "depth":
			in.depth, i = atoi(fields, i)
			useful = true
		case "seldepth":
			in.selDepth, i = atoi(fields, i)
		case "multipv":
			in.multiPV, i = atoi(fields, i)
		case "nodes":
			var n int
			n, i = atoi(fields, i)
			in.nodes = int64(n)
		case "score":
			if i+2 >= len(fields) {
				return in, useful
			}
			v, err := strconv.Atoi(fields[i+2])
			if err == nil {
				switch fields[i+1] {
				case "cp":
					in.score = &analysis.Score{Centipawns: v}
				case "mate":
					in.score = &analysis.Score{Mate: v}
				}
			}
			i += 2
			// Optional bound marker.
			if i+1 < len(fields) && (fields[i+1] == "lowerbound" || fields[i+1] == "upperbound") {
				i++
			}
			useful = true
		case "pv":
			in.pv = append([]string(nil), fields[i+1:]...)
			return in, true
		}
	}
	return in, useful
}

func atoi(fields []string, i int) (int, int) {
	if i+1 >= len(fields) {
		return 0, i
	}
	v, err := strconv.Atoi(fields[i+1])
	if err != nil {
		return 0, i
	}
	return v, i + 1
}

// parseBestMove parses "bestmove <move> [ponder <move>]".
func parseBestMove(line string) (best, ponder string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "bestmove" {
		return "", "", false
	}
	best = fields[1]
	if len(fields) >= 4 && fields[2] == "ponder" {
		ponder = fields[3]
	}
	return best, ponder, true
}

// merge folds a primary-line info into the result being built.
func (in info) merge(r *analysis.Result) {
	if in.multiPV > 1 {
		return
	}
	if in.depth > 0 {
		r.Depth = in.depth
	}
	if in.selDepth > 0 {
		r.SelDepth = in.selDepth
	}
	if in.nodes > 0 {
		r.Nodes = in.nodes
	}
	if in.score != nil {
		r.Score = *in.score
	}
	if len(in.pv) > 0 {
		r.PV = in.pv
	}
}

// goCommand renders the search command for cfg.
func goCommand(cfg analysis.Config) string {
	var b strings.Builder
	b.WriteString("go")
	if cfg.Depth > 0 {
		b.WriteString(" depth ")
		b.WriteString(strconv.Itoa(cfg.Depth))
	}
	if cfg.MoveTime > 0 {
		b.WriteString(" movetime ")
		b.WriteString(strconv.FormatInt(cfg.MoveTime.Milliseconds(), 10))
	}
	if cfg.Nodes > 0 {
		b.WriteString(" nodes ")
		b.WriteString(strconv.FormatInt(cfg.Nodes, 10))
	}
	if cfg.Depth <= 0 && cfg.MoveTime <= 0 && cfg.Nodes <= 0 {
		b.WriteString(" depth 12")
	}
	return b.String()
}
