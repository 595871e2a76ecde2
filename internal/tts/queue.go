package tts

import "sync"

// Voices returns the voice names OpenAI-compatible speech endpoints
// accept.
func Voices() []string {
	return []string{
		"alloy", "ash", "ballad", "coral", "echo",
		"fable", "nova", "onyx", "sage", "shimmer",
	}
}

// Queue holds synthesized audio waiting to be delivered, partitioned
// per user so one user's backlog never interleaves with another's.
type Queue struct {
	mu      sync.Mutex
	pending map[int64][][]byte
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[int64][][]byte)}
}

// Enqueue appends one audio blob to the user's backlog.
func (q *Queue) Enqueue(userID int64, audio []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[userID] = append(q.pending[userID], audio)
}

// Drain removes and returns the user's backlog in enqueue order.
func (q *Queue) Drain(userID int64) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	audio := q.pending[userID]
	delete(q.pending, userID)
	return audio
}
