// Package partition splits unprocessed records into workload manifests.
package partition

// DefaultMinPerBucket is the smallest bucket the partitioner will produce
// when there are enough records.
const DefaultMinPerBucket = 1000

// EffectiveBuckets returns how many buckets n records are split into.
//
// The count never exceeds requested, never exceeds n, and is reduced so that
// each bucket holds at least minPerBucket records where possible.
func EffectiveBuckets(n, requested, minPerBucket int) int {
	if n <= 0 {
		return 0
	}
	if requested < 1 {
		requested = 1
	}
	if minPerBucket < 1 {
		minPerBucket = 1
	}

	byMinimum := n / minPerBucket
	if byMinimum < 1 {
		byMinimum = 1
	}

	k := requested
	if byMinimum < k {
		k = byMinimum
	}
	if n < k {
		k = n
	}
	return k
}

// Buckets assigns ids round-robin: ids[i] goes to bucket i mod k. Input order
// is kept within each bucket. Every returned bucket is non-empty.
func Buckets(ids []string, requested, minPerBucket int) [][]string {
	k := EffectiveBuckets(len(ids), requested, minPerBucket)
	if k == 0 {
		return nil
	}

	buckets := make([][]string, k)
	per := (len(ids) + k - 1) / k
	for i := range buckets {
		buckets[i] = make([]string, 0, per)
	}
	for i, id := range ids {
		buckets[i%k] = append(buckets[i%k], id)
	}
	return buckets
}
