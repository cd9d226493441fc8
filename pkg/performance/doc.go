// Package performance implements the Performance Evaluator: grading a
// node's advertised benchmark score into the points-per-core figure the
// capacity calculator and scheduler consume, and classifying a node
// against the quality-tier table.
package performance
