// Package projection derives read-store projections from write-store
// post-images. A projection carries the entity's canonical JSON payload and
// the fan-out keys used by the by-session, by-parent and by-owner layouts:
//
//	session     session=id          parent=""            owner=user_id
//	human_turn  session=session_id  parent=session_id    owner=user_id
//	agent_turn  session=session_id  parent=human_turn_id owner=user_id
//	step        session=session_id  parent=agent_turn_id owner=user_id
//
// Projections are never authoritative; FromState rebuilds one from the
// write store at any time.
package projection
