// Package domain holds the bookkeeping shared by every near-real-time ingestion job.
//
// # Run Shape
//
// Every job is a batch run over the same stages:
//
//	INVENTORY → DISCOVER → FETCH → TRANSFORM → PUBLISH → PRUNE → NOTIFY
//
// The sink (raster asset store or tabular database) is the only source of
// truth for what has already been ingested. A re-run recomputes the existing
// set from the sink, so partial progress self-heals on the next schedule.
//
// # Date Keys
//
// Candidate dates are compared against the sink as formatted keys. Each job
// picks one layout and uses it on both sides of the comparison:
//
//	"20060102"             daily shapefile drops (HMS smoke)
//	"06-01-02"             forecast days in WACCM asset names
//	"200601"               monthly GeoTIFFs (sea ice)
//	"2006-01-02 15:04:05"  tabular timestamps (Greenland mass)
//
// # Discovery Windows
//
// [Window] walks from a start date by a [Step] until its bound is reached.
// When the sink is empty the walk is limited to a short probe (default 3
// steps) instead of a full historical backfill. With StopAtExisting the walk
// ends at the first date the sink already holds, which suits sources that
// publish strictly in order.
//
// # Unique IDs
//
// Tabular rows carry a UID column. Shapefile features get
// "<date>_<position in file>" (see [GenUID]), so re-reading the same file
// yields the same IDs and the table's unique index rejects duplicates.
//
// # Retention
//
// After publishing, the full ID list is sorted ascending and everything but
// the newest max entries is evicted (see [Excess]). No access-based policy.
package domain
