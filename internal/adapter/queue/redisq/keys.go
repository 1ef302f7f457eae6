// Package redisq implements the durable priority queue, its worker pool, the
// dead-letter store, and the stalled-lease reaper on top of the KV adapter.
package redisq

// Persisted state layout inside the KV store, all under one namespace:
//
//	{ns}:queue:{name}             main ready set (score = enqueue millis - priority band)
//	{ns}:queue:{name}:delayed     delayed set (score = eligibility millis)
//	{ns}:queue:{name}:processing  leased jobs (score = lease deadline millis)
//	{ns}:queue:{name}:scores      hash id -> main score, for delayed promotion
//	{ns}:queue:{name}:completed   bounded completion history
//	{ns}:queue:{name}:failed      bounded failure history
//	{ns}:queue:{name}:paused      0/1 flag (key presence)
//	{ns}:events:{name}            pub-sub channel for lifecycle events
//	{ns}:job:{id}                 job envelope JSON with TTL
//	{ns}:dlq:jobs                 dead-letter list
//	{ns}:dlq:processed            bounded history of retried DLQ entries
type keySet struct {
	ns   string
	name string
}

func newKeySet(ns, name string) keySet { return keySet{ns: ns, name: name} }

func (k keySet) main() string       { return k.ns + ":queue:" + k.name }
func (k keySet) delayed() string    { return k.ns + ":queue:" + k.name + ":delayed" }
func (k keySet) processing() string { return k.ns + ":queue:" + k.name + ":processing" }
func (k keySet) scores() string     { return k.ns + ":queue:" + k.name + ":scores" }
func (k keySet) completed() string  { return k.ns + ":queue:" + k.name + ":completed" }
func (k keySet) failed() string     { return k.ns + ":queue:" + k.name + ":failed" }
func (k keySet) paused() string     { return k.ns + ":queue:" + k.name + ":paused" }
func (k keySet) events() string     { return k.ns + ":events:" + k.name }
func (k keySet) job(id string) string { return k.ns + ":job:" + id }

func dlqKey(ns string) string          { return ns + ":dlq:jobs" }
func dlqProcessedKey(ns string) string { return ns + ":dlq:processed" }

// priorityBand separates priority tiers in the main-set score. It must exceed
// any epoch-millis value so that priority always dominates enqueue time.
const priorityBand = 1e13
