package statestore

// currentSchemaVersion is the schema version written by this build. Bump it
// and add a migrateVNtoVN+1 step whenever the on-disk shape changes.
const currentSchemaVersion = 1

// migrate brings st up to currentSchemaVersion in place, applying each
// step in sequence. Called from read() so external callers never observe
// a legacy shape (Design Notes: migration is invoked inside the read step).
func migrate(st *State) *State {
	for st.Version < currentSchemaVersion {
		switch st.Version {
		case 0:
			st = migrateV0toV1(st)
		default:
			// Unreachable from read(), which quarantines any version outside
			// 0..currentSchemaVersion as corrupt before calling migrate.
			return st
		}
	}
	if st.Active == nil {
		st.Active = make(map[string]*Dispatch)
	}
	if st.Completed == nil {
		st.Completed = make(map[string]*CompletedDispatch)
	}
	if st.SessionMap == nil {
		st.SessionMap = make(map[string]*SessionMapping)
	}
	if st.ProcessedEvents == nil {
		st.ProcessedEvents = make([]string, 0)
	}
	return st
}

// migrateV0toV1 handles documents written before schemaVersion existed at
// all (zero value decodes to 0): the shape is otherwise identical to v1.
func migrateV0toV1(st *State) *State {
	st.Version = 1
	return st
}
