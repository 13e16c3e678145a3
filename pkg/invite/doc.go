// Package invite implements share-link lifecycle management: minting
// unguessable tokens, redeeming them into permission grants, and the
// two-tier background sweep that keeps the invite table from growing
// without bound.
//
// # Architecture
//
// The manager sits between the wire layer and the permission engine.
// Redemption converts a token into a durable grant exactly once per
// user; the sweeper prunes dead tokens behind the scenes.
//
//	┌──────────────┐   create/redeem    ┌──────────────┐
//	│   Manager    │───────────────────▶│ permission   │
//	│ (per-token   │                    │   Engine     │
//	│  locking)    │                    └──────────────┘
//	└──────┬───────┘
//	       │ rows                       ┌──────────────┐
//	       ▼                            │   Sweeper    │
//	┌──────────────┐   delete expired   │ tier 1: 1h   │
//	│ storage.Store│◀───────────────────│ tier 2: 6h   │
//	└──────────────┘                    └──────────────┘
//
// # Core Components
//
//   - Manager: validates and mints invites, serializes redemption per
//     token, and translates the use cap, expiry, and hard age bound
//     into ErrExpired.
//   - Sweeper: a clock-driven loop that deletes expired invites every
//     hour and any invite older than MaxInviteAge every six hours.
//     Missed ticks collapse into a single sweep per tier.
//
// # Usage
//
//	mgr := invite.NewManager(store, engine, clockwork.NewRealClock())
//	inv, _ := mgr.Create(entity, types.PermissionEditor, invite.CreateOptions{})
//	inv, change, err := mgr.Redeem(userID, token)
//
// Redemption is idempotent per user: a retry returns the invite with a
// nil change and does not burn a use.
//
// # Integration Points
//
//   - pkg/permission: grants are applied through the engine so that
//     monotonicity holds (redeeming a lower tier never downgrades).
//   - pkg/storage: invite rows and the redeemer list live in bbolt.
//   - pkg/metrics: redemption outcomes and sweep deletions are counted.
package invite
