package simtime

type timerState uint8

const (
	timerPending timerState = iota
	timerFired
	timerCancelled
)

// Timer is a handle on a scheduled callback.
type Timer struct {
	fireAt uint64
	seq    uint64
	fn     func()
	state  timerState
	clock  *Clock

	index int
}

// Deadline returns the tick at which the timer fires.
func (t *Timer) Deadline() uint64 {
	return t.fireAt
}

// Cancel prevents a pending callback from firing. Cancelling a fired or
// cancelled timer, or a nil timer, does nothing.
func (t *Timer) Cancel() {
	if t == nil || t.clock == nil {
		return
	}
	t.clock.Cancel(t)
}

// timerQueue orders timers by deadline, then by scheduling order.
type timerQueue []*Timer

func (q timerQueue) Len() int {
	return len(q)
}

func (q timerQueue) Less(i, j int) bool {
	if q[i].fireAt != q[j].fireAt {
		return q[i].fireAt < q[j].fireAt
	}
	return q[i].seq < q[j].seq
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}

func (q *timerQueue) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() (elem interface{}) {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
