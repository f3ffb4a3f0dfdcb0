// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package disk

// job is a pending unit of disk work along with the hook invoked, on a
// worker goroutine, once it resolves. The hook is responsible for
// posting a reactor event; Dispatcher never touches reactor types
// directly, keeping this package import-free of reactor.
type job func(Worker)

// Dispatcher runs disk requests on a fixed pool of worker goroutines so
// that the single-threaded reactor never blocks on filesystem I/O.
// Requests for the same piece are not guaranteed ordering relative to
// each other across pool workers; callers that need write-then-validate
// ordering for one piece should chain it within a single job.
type Dispatcher struct {
	worker Worker
	jobs   chan job
	done   chan struct{}
}

// NewDispatcher starts n worker goroutines pulling from a shared job
// queue and executing against worker.
func NewDispatcher(worker Worker, n int) *Dispatcher {
	if n < 1 {
		n = 1
	}
	d := &Dispatcher{
		worker: worker,
		jobs:   make(chan job, 128),
		done:   make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		go d.loop()
	}
	return d
}

func (d *Dispatcher) loop() {
	for {
		select {
		case j := <-d.jobs:
			j(d.worker)
		case <-d.done:
			return
		}
	}
}

// Stop halts every worker goroutine after their current job completes.
func (d *Dispatcher) Stop() { close(d.done) }

// SubmitWrite queues a write, invoking onDone with the result once it
// completes, off the reactor goroutine.
func (d *Dispatcher) SubmitWrite(req WriteRequest, onDone func(error)) {
	d.jobs <- func(w Worker) { onDone(w.Write(req)) }
}

// SubmitRead queues a read, invoking onDone with the result once it
// completes, off the reactor goroutine.
func (d *Dispatcher) SubmitRead(req ReadRequest, onDone func(ReadResult)) {
	d.jobs <- func(w Worker) { onDone(w.Read(req)) }
}

// SubmitValidate queues a hash check, invoking onDone with the result
// once it completes, off the reactor goroutine.
func (d *Dispatcher) SubmitValidate(req ValidateRequest, onDone func(bool, error)) {
	d.jobs <- func(w Worker) { ok, err := w.Validate(req); onDone(ok, err) }
}

// SubmitDelete queues a deletion, invoking onDone with the result once
// it completes.
func (d *Dispatcher) SubmitDelete(req DeleteRequest, onDone func(error)) {
	d.jobs <- func(w Worker) { onDone(w.Delete(req)) }
}

// SubmitMove queues a relocation, invoking onDone with the result once
// it completes.
func (d *Dispatcher) SubmitMove(req MoveRequest, onDone func(error)) {
	d.jobs <- func(w Worker) { onDone(w.Move(req)) }
}
