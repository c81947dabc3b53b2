// Package sharding assigns a job's shard items to live executors and
// publishes the assignment through the registry.
package sharding

import (
	"sort"

	"github.com/teranos/tessera/errors"
)

// Assignment maps executor name to its ascending item list.
type Assignment map[string][]int

// Items returns the items of executor; nil when it owns none.
func (a Assignment) Items(executor string) []int {
	return a[executor]
}

// Owners inverts the assignment. Items owned by several executors (local
// mode) keep the first owner in name order.
func (a Assignment) Owners() map[int]string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)

	owners := make(map[int]string)
	for _, name := range names {
		for _, item := range a[name] {
			if _, taken := owners[item]; !taken {
				owners[item] = name
			}
		}
	}
	return owners
}

// Check verifies that every item in [0,total) has exactly one owner.
func (a Assignment) Check(total int) error {
	seen := make(map[int]string, total)
	for name, items := range a {
		for _, item := range items {
			if item < 0 || item >= total {
				return errors.Newf("item %d of %s outside [0,%d)", item, name, total)
			}
			if prev, dup := seen[item]; dup {
				return errors.Newf("item %d owned by both %s and %s", item, prev, name)
			}
			seen[item] = name
		}
	}
	if len(seen) != total {
		return errors.Newf("%d of %d items assigned", len(seen), total)
	}
	return nil
}

// Input is everything the rebalancing policy looks at.
type Input struct {
	Total        int
	Live         []string
	Previous     Assignment
	Prefer       []string
	Avoid        []string
	UseDisprefer bool
	LocalMode    bool
}

// Compute is the rebalancing policy. It is a pure function of its input:
//
//   - Local mode gives item 0 to every candidate.
//   - Candidates are the live executors; live preferred executors win when
//     there are any. A prefer list with nobody live leaves the job unassigned
//     unless UseDisprefer allows falling back to everyone.
//   - Avoided executors drop out unless nobody would be left.
//   - Each candidate gets total/k items; the first total%k candidates, ordered
//     by previously owned count then name, get one more.
//   - Candidates keep their previous items up to quota, the rest go out in
//     ascending order to candidates with room, in name order.
//
// Every live executor appears in the result, possibly with no items.
func Compute(in Input) Assignment {
	out := make(Assignment, len(in.Live))
	live := sortedUnique(in.Live)
	for _, name := range live {
		out[name] = []int{}
	}

	candidates := candidates(in, live)
	if len(candidates) == 0 || in.Total <= 0 {
		return out
	}

	if in.LocalMode {
		for _, name := range candidates {
			out[name] = []int{0}
		}
		return out
	}

	quota := quotas(in, candidates)

	owned := make(map[int]bool, in.Total)
	for _, name := range candidates {
		for _, item := range sortedItems(in.Previous[name]) {
			if len(out[name]) >= quota[name] {
				break
			}
			if item < 0 || item >= in.Total || owned[item] {
				continue
			}
			out[name] = append(out[name], item)
			owned[item] = true
		}
	}

	next := 0
	for item := 0; item < in.Total; item++ {
		if owned[item] {
			continue
		}
		for tries := 0; tries < len(candidates); tries++ {
			name := candidates[next]
			next = (next + 1) % len(candidates)
			if len(out[name]) < quota[name] {
				out[name] = append(out[name], item)
				owned[item] = true
				break
			}
		}
	}

	for name := range out {
		sort.Ints(out[name])
	}
	return out
}

func candidates(in Input, live []string) []string {
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}

	var chosen []string
	if len(in.Prefer) > 0 {
		for _, name := range sortedUnique(in.Prefer) {
			if liveSet[name] {
				chosen = append(chosen, name)
			}
		}
		if len(chosen) == 0 && !in.UseDisprefer {
			return nil
		}
	}
	if len(chosen) == 0 {
		chosen = live
	}

	if len(in.Avoid) == 0 {
		return chosen
	}
	avoid := make(map[string]bool, len(in.Avoid))
	for _, name := range in.Avoid {
		avoid[name] = true
	}
	var kept []string
	for _, name := range chosen {
		if !avoid[name] {
			kept = append(kept, name)
		}
	}
	if len(kept) == 0 {
		return chosen
	}
	return kept
}

func quotas(in Input, candidates []string) map[string]int {
	k := len(candidates)
	base, extra := in.Total/k, in.Total%k

	order := append([]string(nil), candidates...)
	sort.SliceStable(order, func(i, j int) bool {
		pi, pj := len(in.Previous[order[i]]), len(in.Previous[order[j]])
		if pi != pj {
			return pi > pj
		}
		return order[i] < order[j]
	})

	q := make(map[string]int, k)
	for i, name := range order {
		q[name] = base
		if i < extra {
			q[name]++
		}
	}
	return q
}

func sortedUnique(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func sortedItems(items []int) []int {
	out := append([]int(nil), items...)
	sort.Ints(out)
	return out
}
