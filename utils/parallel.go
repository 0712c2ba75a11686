// Package utils contains helpers shared by the index and its tools.
package utils

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
	quarterProcs := float64(ParallelFactor) * .25
	if quarterProcs > 8 {
		ParallelFactor = int(quarterProcs)
	}
}

type (
	// BeforeParallelGroupWorkFunc executes before any work starts with the calculated group size.
	BeforeParallelGroupWorkFunc func(groupSize int)
	// MemberWorkFunc runs for each work item (member) of a group.
	MemberWorkFunc func(memberNum, workNum int)
	// GroupWorkDoneFunc runs when a single group's work is done; helpful for merge stages.
	GroupWorkDoneFunc func()
	// GroupWorkFunc runs to determine what work members should do, if any.
	GroupWorkFunc func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc)
)

// GroupWorkParallel splits totalSize work items into ParallelFactor contiguous groups and runs
// each group on its own goroutine. Groups stop taking new items once ctx is done, in which case
// the context's error is returned. A panic in a group is returned as an error.
func GroupWorkParallel(ctx context.Context, totalSize int, before BeforeParallelGroupWorkFunc, groupWork GroupWorkFunc) error {
	numGroups := ParallelFactor
	if totalSize < numGroups {
		numGroups = totalSize
	}
	if numGroups <= 0 {
		numGroups = 1
	}
	groupSize := totalSize / numGroups
	extra := totalSize % numGroups

	if before != nil {
		before(numGroups)
	}

	runGroup := func(groupNum int) {
		thisGroupSize := groupSize
		thisExtra := 0
		if groupNum == (numGroups - 1) {
			thisExtra = extra
			thisGroupSize += thisExtra
		}
		from := groupSize * groupNum
		to := (groupSize * (groupNum + 1)) + thisExtra
		memberWork, groupWorkDone := groupWork(groupNum, thisGroupSize, from, to)
		if memberWork != nil {
			memberNum := 0
			for workNum := from; workNum < to; workNum++ {
				if ctx.Err() != nil {
					return
				}
				memberWork(memberNum, workNum)
				memberNum++
			}
		}
		if groupWorkDone != nil {
			groupWorkDone()
		}
	}

	var wait sync.WaitGroup
	var errMu sync.Mutex
	var groupErr error
	wait.Add(numGroups)
	for groupNum := 0; groupNum < numGroups; groupNum++ {
		groupNumCopy := groupNum
		utils.PanicCapturingGoWithCallback(func() {
			runGroup(groupNumCopy)
			wait.Done()
		}, func(err interface{}) {
			errMu.Lock()
			groupErr = multierr.Combine(groupErr, fmt.Errorf("panic in parallel group: %v", err))
			errMu.Unlock()
			wait.Done()
		})
	}
	wait.Wait()

	if groupErr != nil {
		return groupErr
	}
	return ctx.Err()
}

// SimpleFunc is for RunInParallel.
type SimpleFunc func(ctx context.Context) error

// RunInParallel runs all functions in parallel, return is elapsed time and an error.
func RunInParallel(ctx context.Context, fs []SimpleFunc) (time.Duration, error) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	var bigError error
	var bigErrorMutex sync.Mutex
	storeError := func(err error) {
		bigErrorMutex.Lock()
		defer bigErrorMutex.Unlock()
		if bigError == nil || !errors.Is(err, context.Canceled) {
			bigError = multierr.Combine(bigError, err)
		}
	}

	helper := func(f SimpleFunc) {
		defer func() {
			if thePanic := recover(); thePanic != nil {
				storeError(fmt.Errorf("got panic running something in parallel: %v", thePanic))
				cancel()
			}
			wg.Done()
		}()
		err := f(ctx)
		if err != nil {
			storeError(err)
			cancel()
		}
	}

	for _, f := range fs {
		wg.Add(1)
		go helper(f)
	}

	wg.Wait()
	return time.Since(start), bigError
}
