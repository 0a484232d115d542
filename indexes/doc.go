// Package indexes provides the storage-side collaborators of the stub index.
//
// # Overview
//
// Three components share one pebble database:
//
//  1. InvertedIndex
//     Maps (partition, data key) to the ids of files whose forward index
//     declares the key. It is fed per-key deltas by the diff engine and never
//     sees whole files.
//
//  2. FileStore
//     Keeps the last indexed tree and forward index bytes of each file, so
//     the next update of that file can be diffed against them.
//
//  3. RebuildCoordinator
//     Persists requests to rebuild everything derived from serializer ids and
//     runs them in the background.
//
// # Key layout in Pebble
//
//   - Inverted index: 'D' + index_id(u32, BE) + xxhash(key)(u64, BE) +
//     file_id(u32, BE) + key bytes -> empty value. The key bytes are the data
//     key as written by the partition's KeyDescriptor. Keeping them in the key
//     makes lookups exact even when two keys share a hash.
//
//   - File store: 'F' + file_id(u32, BE) -> TLV 'T' tree bytes, 'X' index
//     bytes.
//
//   - Rebuild tasks: 'R' + reason -> TLV 'S' state, 'U' last update (unix
//     seconds), 'V' revision, 'C' cause.
//
// # Rebuild lifecycle
//
// RequestRebuild classifies the cause (see Reason) and stores a Pending task
// for that reason with a bumped revision. CheckRebuildTasks polls the tasks,
// and is woken early by new requests:
//
//   - Pending:     started, or restarted if a newer revision arrived while an
//     older one was running
//   - InProgress:  restarted if nothing is running it (crash, handler error)
//   - Done:        ignored
//
// A run that finds its task re-requested on completion leaves it Pending
// for the next cycle. Handlers never run concurrently.
//
// # Caching and concurrency
//
// InvertedIndex caches query results in an LRU keyed by partition and key
// bytes. Updates commit their batch and invalidate the touched keys under
// one lock, so a cached result never predates a committed update.
//
// # Metrics
//
// Prometheus metrics report task counts, states, durations and results.
// Collector exports pebble internals and the registry status.
package indexes
