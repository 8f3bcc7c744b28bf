package utils

import "sync"

// ParallelMap 并发地对 inputs 中的每个元素执行 fn，返回结果切片（顺序与输入一致）。
// workers 控制最大并发数；单元素输入直接同步执行，避免起协程的开销。
func ParallelMap[T any, R any](inputs []T, workers int, fn func(T) R) []R {
	n := len(inputs)
	if n == 0 {
		return nil
	}
	if n == 1 || workers <= 1 {
		results := make([]R, n)
		for i, in := range inputs {
			results[i] = fn(in)
		}
		return results
	}
	if workers > n {
		workers = n
	}

	results := make([]R, n)
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)

	for i := range inputs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer func() {
				<-sem
				wg.Done()
			}()
			results[i] = fn(inputs[i])
		}(i)
	}

	wg.Wait()
	return results
}
