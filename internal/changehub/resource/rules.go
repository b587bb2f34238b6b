package resource

// Evaluate decides whether replica, having pulled up to asOf, may obtain claim on a resource
// currently in state st. It returns nil when the claim can be granted.
func Evaluate(st State, replica ReplicaID, claim Claim, asOf int64) *Conflict {
	if err := claim.Validate(); err != nil {
		return &Conflict{ID: claim.ID, Reason: ReasonInvalid}
	}

	if claim.ID.Kind == KindNameToken {
		return evaluateToken(st, replica, claim.ID, asOf)
	}

	return evaluateLock(st, replica, claim, asOf)
}

func evaluateLock(st State, replica ReplicaID, claim Claim, asOf int64) *Conflict {
	if claim.Level == LevelNone {
		return nil
	}

	if held := st.HeldBy(replica); held >= claim.Level {
		return nil
	}

	var stale *Conflict
	for _, h := range st.Holders {
		if h.Replica == replica {
			continue
		}

		if !LevelsCompatible(h.Level, false, claim.Level) {
			return &Conflict{ID: claim.ID, Reason: ReasonLockHeld, Holder: h.Replica, Level: h.Level}
		}

		if h.PushedIndex > asOf && (stale == nil || h.PushedIndex > stale.RequiredIndex) {
			stale = &Conflict{ID: claim.ID, Reason: ReasonRevisionRequired, RequiredIndex: h.PushedIndex}
		}
	}

	if st.ReleasedWithIndex > asOf && (stale == nil || st.ReleasedWithIndex > stale.RequiredIndex) {
		stale = &Conflict{ID: claim.ID, Reason: ReasonRevisionRequired, RequiredIndex: st.ReleasedWithIndex}
	}

	return stale
}

func evaluateToken(st State, replica ReplicaID, id ID, asOf int64) *Conflict {
	switch st.Token.Status {
	case "", TokenAvailable:
		return nil
	case TokenReserved:
		if st.Token.Replica == replica {
			return nil
		}
		return &Conflict{ID: id, Reason: ReasonNameReserved, Holder: st.Token.Replica, Level: LevelExclusive}
	case TokenUsed:
		return &Conflict{ID: id, Reason: ReasonNameUsed, Holder: st.Token.Replica, RequiredIndex: st.Token.PackageIndex}
	case TokenDiscarded:
		if st.Token.PackageIndex > asOf {
			return &Conflict{ID: id, Reason: ReasonRevisionRequired, RequiredIndex: st.Token.PackageIndex}
		}
		return nil
	default:
		return &Conflict{ID: id, Reason: ReasonInvalid}
	}
}

// Grant records claim as held by replica. The claim must have been accepted by Evaluate.
func Grant(st State, replica ReplicaID, claim Claim) State {
	st = st.clone()

	if claim.ID.Kind == KindNameToken {
		// A re-reserved discarded name remembers where it was discarded so that releasing
		// it again keeps replicas behind that index from reserving it.
		var discardedAt int64
		if st.Token.Status == TokenDiscarded || st.Token.Status == TokenReserved {
			discardedAt = st.Token.PackageIndex
		}
		st.Token = TokenState{Status: TokenReserved, Replica: replica, PackageIndex: discardedAt}
		return st
	}

	if claim.Level == LevelNone {
		return st
	}

	for i, h := range st.Holders {
		if h.Replica == replica {
			if claim.Level > h.Level {
				st.Holders[i].Level = claim.Level
			}
			return st
		}
	}

	st.Holders = append(st.Holders, Holder{Replica: replica, Level: claim.Level})
	sortHolders(st.Holders)
	return st
}

// ReleaseBy drops whatever replica holds on the resource. A released lock folds the index of
// the last package its holder pushed into ReleasedWithIndex. The boolean reports whether
// anything was held.
func ReleaseBy(st State, replica ReplicaID) (State, bool) {
	st = st.clone()

	if st.ID.Kind == KindNameToken {
		if st.Token.Status != TokenReserved || st.Token.Replica != replica {
			return st, false
		}

		if st.Token.PackageIndex > 0 {
			st.Token = TokenState{Status: TokenDiscarded, PackageIndex: st.Token.PackageIndex}
		} else {
			st.Token = TokenState{Status: TokenAvailable}
		}
		return st, true
	}

	for i, h := range st.Holders {
		if h.Replica != replica {
			continue
		}

		if h.PushedIndex > st.ReleasedWithIndex {
			st.ReleasedWithIndex = h.PushedIndex
		}
		st.Holders = append(st.Holders[:i], st.Holders[i+1:]...)
		if len(st.Holders) == 0 {
			st.Holders = nil
		}
		return st, true
	}

	return st, false
}

// Stamp tags the lock replica holds with the index of a package it pushed. Resources the
// replica does not hold are left untouched.
func Stamp(st State, replica ReplicaID, index int64) State {
	st = st.clone()
	for i, h := range st.Holders {
		if h.Replica == replica && index > h.PushedIndex {
			st.Holders[i].PushedIndex = index
		}
	}
	return st
}

// MarkUsed records that the package at index, pushed by replica, consumes the name.
func MarkUsed(st State, replica ReplicaID, index int64) (State, *Conflict) {
	id := st.ID
	used := TokenState{Status: TokenUsed, Replica: replica, PackageIndex: index}

	switch st.Token.Status {
	case "", TokenAvailable:
	case TokenReserved:
		if st.Token.Replica != replica {
			return st, &Conflict{ID: id, Reason: ReasonNameReserved, Holder: st.Token.Replica, Level: LevelExclusive}
		}
	case TokenUsed:
		if st.Token.Replica == replica && st.Token.PackageIndex == index {
			return st, nil
		}
		return st, &Conflict{ID: id, Reason: ReasonNameUsed, Holder: st.Token.Replica, RequiredIndex: st.Token.PackageIndex}
	case TokenDiscarded:
		if st.Token.PackageIndex > index {
			return st, &Conflict{ID: id, Reason: ReasonRevisionRequired, RequiredIndex: st.Token.PackageIndex}
		}
	default:
		return st, &Conflict{ID: id, Reason: ReasonInvalid}
	}

	st.Token = used
	return st, nil
}

// MarkDiscarded records that the package at index, pushed by replica, frees the name.
func MarkDiscarded(st State, replica ReplicaID, index int64) (State, *Conflict) {
	id := st.ID

	switch st.Token.Status {
	case TokenDiscarded:
		return st, nil
	case TokenUsed:
		if st.Token.PackageIndex > index {
			return st, &Conflict{ID: id, Reason: ReasonInvalid, Holder: st.Token.Replica, RequiredIndex: st.Token.PackageIndex}
		}
	case TokenReserved:
		if st.Token.Replica != replica {
			return st, &Conflict{ID: id, Reason: ReasonNameReserved, Holder: st.Token.Replica, Level: LevelExclusive}
		}
	case "", TokenAvailable:
	default:
		return st, &Conflict{ID: id, Reason: ReasonInvalid}
	}

	st.Token = TokenState{Status: TokenDiscarded, Replica: replica, PackageIndex: index}
	return st, nil
}

// EvaluateAll evaluates every claim against lookup and returns the conflicts sorted by
// identity. Claims must already be merged with MergeClaims.
func EvaluateAll(lookup func(ID) State, replica ReplicaID, claims []Claim, asOf int64) []Conflict {
	var conflicts []Conflict
	for _, c := range claims {
		if conflict := Evaluate(lookup(c.ID), replica, c, asOf); conflict != nil {
			conflicts = append(conflicts, *conflict)
		}
	}
	return conflicts
}
