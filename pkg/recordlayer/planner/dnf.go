/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package planner

// toDNF converts a filter tree to disjunctive normal form, returning one
// conjunct list (a slice of leaf/NOT-leaf predicates ANDed together) per
// disjunct. A nil filter yields a single, empty conjunct (matches
// everything).
func toDNF(p *Predicate) [][]*Predicate {
	if p == nil {
		return [][]*Predicate{{}}
	}
	if p.isLeaf() {
		return [][]*Predicate{{p}}
	}

	switch p.Bool {
	case BoolOr:
		var out [][]*Predicate
		for _, c := range p.Children {
			out = append(out, toDNF(c)...)
		}
		return out

	case BoolAnd:
		// Cartesian product of each child's disjuncts.
		acc := [][]*Predicate{{}}
		for _, c := range p.Children {
			childDisjuncts := toDNF(c)
			var next [][]*Predicate
			for _, prefix := range acc {
				for _, disjunct := range childDisjuncts {
					combined := make([]*Predicate, 0, len(prefix)+len(disjunct))
					combined = append(combined, prefix...)
					combined = append(combined, disjunct...)
					next = append(next, combined)
				}
			}
			acc = next
		}
		return acc

	case BoolNot:
		// A NOT over a leaf stays a residual leaf (evaluated post-scan); a
		// NOT over a boolean combinator is pushed down via De Morgan's laws
		// so every leaf the planner sees for candidate matching is a plain
		// comparison, never wrapped in NOT.
		child := p.Children[0]
		if child.isLeaf() {
			return [][]*Predicate{{p}}
		}
		return toDNF(pushNot(child))

	default:
		return [][]*Predicate{{p}}
	}
}

// pushNot applies De Morgan's laws to negate a boolean combinator,
// returning an equivalent tree with NOT only ever wrapping a leaf.
func pushNot(p *Predicate) *Predicate {
	switch p.Bool {
	case BoolAnd:
		children := make([]*Predicate, len(p.Children))
		for i, c := range p.Children {
			children[i] = negate(c)
		}
		return Or(children...)
	case BoolOr:
		children := make([]*Predicate, len(p.Children))
		for i, c := range p.Children {
			children[i] = negate(c)
		}
		return And(children...)
	default:
		return p.Children[0]
	}
}

func negate(p *Predicate) *Predicate {
	if p.isLeaf() {
		return Not(p)
	}
	if p.Bool == BoolNot {
		return p.Children[0]
	}
	return pushNot(p)
}
