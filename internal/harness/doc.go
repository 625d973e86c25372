// Package harness runs conformance scenarios against the automation agent.
//
// A scenario is a YAML document holding one inbound event and the outcome
// it must produce: the handling status, the outbound event names in order,
// an optional error substring and typed assertions over the outbound
// payloads. Each run uses a fresh in-memory store and a clock frozen at
// testutil.Epoch, so the outbound events are byte-for-byte reproducible
// and can be compared against golden snapshots.
//
// Example:
//
//	name: webhook_timeout_escalated
//	description: MAKE webhook timeout with high impact gets an alert step
//	event:
//	  id: evt-3
//	  trace_id: trace-timeout
//	  name: AUTOMATION_ERROR_DETECTED
//	  payload:
//	    source: MAKE
//	    description: Webhook nao respondeu
//	    impact: ALTO
//	expect:
//	  status: success
//	  outputs: [AUTOMATION_FIX_SUGGESTED]
//	  assertions:
//	    - type: category
//	      value: TIMEOUT
//	    - type: patch_contains
//	      op: INSERT
//	      config: {action: send_alert}
package harness
