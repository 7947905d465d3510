// Package status writes the per-slot JSON artifacts operators poll on
// the box: slot-<n>.json, replaced after every batch cycle with the
// agent's current state, and toggle-history.jsonl, appended once per
// rotation.
//
// Writes are best-effort and never fail a cycle; a full disk costs
// visibility, not work.
package status
