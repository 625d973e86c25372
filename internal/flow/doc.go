// Package flow provides the shared flow model for autoflow.
//
// This package contains the request, report, flow definition and result
// types consumed and produced by the decision core, plus the graph
// invariants every FlowDefinition must satisfy. All other internal packages
// import flow; flow imports nothing internal.
//
// Key design constraints:
//   - Steps live in an arena (FlowDefinition.Steps) addressed by step ID;
//     predecessor links are IDs, never pointers
//   - Step configuration is map[string]string so canonical output is stable
//   - Identity is content-addressed (see hash.go); identical requests yield
//     byte-identical definitions
//   - All JSON tags use snake_case
package flow
