package ledger

// lotQueue is a FIFO of indexes into the matcher's lot slice. Popping
// advances head; the backing slice is compacted once the dead prefix
// dominates, keeping matching linear in the number of trades.
type lotQueue struct {
	idx  []int
	head int
}

func (q *lotQueue) push(i int) {
	q.idx = append(q.idx, i)
}

func (q *lotQueue) front() int {
	return q.idx[q.head]
}

func (q *lotQueue) pop() {
	q.head++
	if q.head >= 32 && q.head*2 >= len(q.idx) {
		n := copy(q.idx, q.idx[q.head:])
		q.idx = q.idx[:n]
		q.head = 0
	}
}
