package utils

import "sync"

type CompletedTask[T any] struct {
	Result T
	Error  error
}

// RunInPool drains queue with at most maxWorkers goroutines and reports each
// outcome on completed. The completed channel is closed once all workers are
// done; the caller is expected to have closed queue before waiting on it.
func RunInPool[In any, Out any](worker func(In) (Out, error), queue chan In, completed chan CompletedTask[Out], maxWorkers int) {
	workers := min(len(queue), maxWorkers)

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for {
					next, ok := <-queue
					if !ok {
						return
					}

					res, err := worker(next)
					completed <- CompletedTask[Out]{Result: res, Error: err}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}
