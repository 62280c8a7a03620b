// Package config loads the variant configuration file.
//
// # Overview
//
// A configuration is a single YAML document with one section per component:
//
//	session:
//	    project_name: openings
//	    strategy: breadth_first
//	exploration:
//	    root_fen: "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
//	    max_depth: 4
//	    max_nodes: 100
//	    time_limit: 1h
//	engine:
//	    path: /usr/bin/stockfish
//	    slug: stockfish
//	    options:
//	        Hash: "128"
//	resilience:
//	    max_retry_attempts: 3
//	checkpoint:
//	    interval: 30s
//	    max_age: 24h
//	storage:
//	    path: variant.db
//	graph:
//	    path: variant-graph.json
//
// Load starts from DefaultConfig, overlays the file and validates the result
// with the struct tags of each section, so a file only needs the keys it
// changes. Unknown keys are rejected.
//
// # Usage Example
//
//	cfg, err := config.Load("variant.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	exp, err := explorer.New(cfg.Exploration, cfg.ExplorerOptions(), deps)
package config
