package runtime

import "sync"

// ExecutionStore keeps saga executions in memory, in insertion order.
// Executions are stored and returned as clones so readers never share
// mutable state with a running saga.
type ExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*SagaExecution
	order      []string
}

func newExecutionStore() *ExecutionStore {
	return &ExecutionStore{executions: map[string]*SagaExecution{}}
}

// Put inserts or replaces the stored snapshot for exec.
func (s *ExecutionStore) Put(exec *SagaExecution) {
	if exec == nil || exec.ExecutionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ExecutionID]; !exists {
		s.order = append(s.order, exec.ExecutionID)
	}
	s.executions[exec.ExecutionID] = exec.Clone()
}

// Get returns a copy of the execution with the given id.
func (s *ExecutionStore) Get(executionID string) (*SagaExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return nil, false
	}
	return exec.Clone(), true
}

// List returns executions in insertion order. With statuses given, only
// matching executions are returned.
func (s *ExecutionStore) List(statuses ...SagaStatus) []*SagaExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*SagaExecution, 0, len(s.order))
	for _, id := range s.order {
		exec := s.executions[id]
		if len(statuses) > 0 && !statusIn(exec.Status, statuses) {
			continue
		}
		out = append(out, exec.Clone())
	}
	return out
}

// Trace returns the per-step records of an execution.
func (s *ExecutionStore) Trace(executionID string) ([]StepExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return nil, false
	}
	steps := make([]StepExecution, len(exec.Steps))
	copy(steps, exec.Steps)
	return steps, true
}

// Len returns the number of stored executions.
func (s *ExecutionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}

// CountByStatus groups stored executions by their current status.
func (s *ExecutionStore) CountByStatus() map[SagaStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[SagaStatus]int)
	for _, exec := range s.executions {
		out[exec.Status]++
	}
	return out
}

func statusIn(status SagaStatus, statuses []SagaStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
