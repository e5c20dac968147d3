// Package ledger provides the Redis-backed persistence and fan-out layer for
// Quire workspaces.
//
// # Overview
//
// A page's history is an append-only log of document Updates. The ledger
// stores every Update exactly once, keeps them in arrival order per page and
// publishes each newly stored Update to the page's Pub/Sub channel so that
// other replicas can apply it. Replicas that join late replay the page log.
//
// Alongside the log the ledger keeps a block index: one record per block with
// its page and current parent. Moves (Nest, Unnest, concurrent re-parenting)
// apply last-writer-wins on the update Stamp, so the index agrees with the
// document store. The index answers "which blocks sit under this parent" with
// cursor pagination without replaying the log.
//
// # Multi-Workspace Support
//
// All Redis keys and Pub/Sub channels are namespaced by workspace name so that
// several workspaces can share one Redis server.
//
// # Redis Schema
//
// All Redis keys follow the pattern: quire:{workspace}:{entity}:{id}
//
// Blocks: quire:{workspace}:block:{block_id}
// Children index: quire:{workspace}:children:{parent_id}
// Updates: quire:{workspace}:update:{update_id}
// Page log: quire:{workspace}:page:{page_id}:log
// Page sequence: quire:{workspace}:page:{page_id}:seq
//
// Pub/Sub channel: quire:{workspace}:page:{page_id}:events
//
// # Usage Example
//
//	client, err := ledger.NewClient(&redis.Options{Addr: "localhost:6379"}, "notes")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Index new blocks and append the update to the page log.
//	if err := ledger.Commit(ctx, client, pageID, update); err != nil {
//		log.Fatal(err)
//	}
//
// # Design Principles
//
// - Idempotence: storing an Update twice is a no-op
// - Immutability: a stored Update is never rewritten
// - Isolation: workspace namespacing prevents cross-workspace interference
package ledger
