/*
Package stream adapts Redis Streams into the durable queue substrate shared by
the batch indexing engine and the auto-save path.

The adapter exposes the five operations the pipeline is built on:

  - Append: atomic append with an approximate length cap for memory bounding
  - ReadGroup: blocking grouped read with the ">" cursor (never-delivered only)
  - Ack: idempotent removal from the pending set
  - Pending: pending-set introspection (count, idle bounds, delivery counts)
  - ClaimStale: reassign messages idle past a threshold to the calling consumer

Delivery is at-least-once per consumer group until acknowledged. A message is
either acknowledged exactly once or remains in the pending set; ownership only
transfers through ClaimStale. Substrate outages surface as ErrUnavailable,
which consumers treat as a halt condition.
*/
package stream
