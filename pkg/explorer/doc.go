// Package explorer builds a move graph by breadth-first exploration from a
// root position, analysing each frontier position with a chess engine.
//
// The exploration is a resilient state machine:
//
//	IDLE -> INITIALIZING -> ANALYZING_ROOT -> PROCESSING_QUEUE <-> ANALYZING_POSITION
//	     -> BUILDING_GRAPH -> STORING_RESULTS -> COMPLETED
//
// with PAUSED reachable from PROCESSING_QUEUE and the final ERROR and
// CANCELLED states reachable from anywhere. Explorer.Run drives the machine:
// I/O such as engine calls happens between events, and every event is sent
// through resilient.Machine.SendWithRecovery so failures are categorized,
// recovered where possible and otherwise reflected in the ERROR state.
//
// Throughput limits live in guards. A position is analysed at most once per
// run, and the number of analysed positions never exceeds MaxNodes.
package explorer
