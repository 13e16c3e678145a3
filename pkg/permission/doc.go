// Package permission resolves effective permissions over the workspace →
// folder → document hierarchy and applies grant mutations.
//
// # Architecture
//
//	effective(user, entity):
//
//	    document ──▶ folder ──▶ ... ──▶ workspace
//	        │           │                  │
//	        ▼           ▼                  ▼
//	    direct?     direct?      direct? / owner?
//	        └── first hit terminates the chain ──┐
//	                                             ▼
//	    live redeemed links on any level ──▶ max ──▶ result
//
// # Core Components
//
//   - Engine: resolution plus Grant / Revoke / Set mutations
//   - Grant: monotonic raise, never lowers
//   - Set: explicit assignment, the downgrade path
//
// # Integration Points
//
//   - pkg/storage: grant rows, entity parent pointers, invite rows
//   - pkg/broker: action gating for every metadata operation
//   - pkg/invite: redemption calls Grant with the link's permission
//
// A grant on a workspace is visible on every descendant through resolution;
// no rows are written for descendants. A live redeemed link keeps feeding
// resolution after a direct revoke until the link expires or is
// invalidated. Hitting a link's use cap blocks new redemptions only.
package permission
