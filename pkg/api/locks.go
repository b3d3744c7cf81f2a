package api

import "net/http"

func (s *Server) handleActiveLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.store.ListActiveLocks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

func (s *Server) handlePoisonedLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.store.ListPoisonedLocks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

func (s *Server) handlePoisonedLocksDetailed(w http.ResponseWriter, r *http.Request) {
	locks, err := s.store.ListPoisonedLocksDetailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

// handleUnlockLock clears the poison marker on a lock. Either
// authenticated role may call it — an operator or a worker's own
// recovery path should both be able to clear a stuck lock. {lock_id} is
// the lock's name, not a separately-minted UUID: a lock has no identity
// beyond its name within the active/poisoned namespace.
func (s *Server) handleUnlockLock(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("lock_id")
	if err := s.scheduler.Unlock(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
