// Copyright 2024 kharf
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

// Package apply executes plans against a cluster endpoint.
package apply

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/kharf/overlaycd/pkg/inventory"
	"github.com/kharf/overlaycd/pkg/manifest"
	"github.com/kharf/overlaycd/pkg/plan"
	"golang.org/x/sync/errgroup"
)

// Endpoint is the capability the applier mutates a cluster through.
// Get returns a nil document without error when the resource does not exist.
type Endpoint interface {
	Get(ctx context.Context, id manifest.Identity) (*manifest.Document, error)
	Create(ctx context.Context, doc manifest.Document) error
	Update(ctx context.Context, doc manifest.Document) error
	Delete(ctx context.Context, id manifest.Identity) error
}

// Policy decides how the applier reacts to a failing step.
type Policy int

const (
	// StopOnFirstError halts issuance of further steps and reports partial
	// completion.
	StopOnFirstError Policy = iota

	// BestEffort runs every step and aggregates all failures.
	BestEffort
)

// Error is a per-resource apply failure.
type Error struct {
	ID    manifest.Identity
	Cause error
}

func (err *Error) Error() string {
	return fmt.Sprintf("Apply failed for %s: %s", err.ID, err.Cause)
}

func (err *Error) Unwrap() error {
	return err.Cause
}

// Result reports what an Apply invocation did. Identities are listed in
// completion order.
type Result struct {
	Applied []manifest.Identity
	Failed  []*Error
	Skipped []manifest.Identity

	// Cancelled is set when the context expired between steps. Applied
	// still lists everything issued before cancellation, so the caller can
	// decide to continue, roll back or leave the partial state.
	Cancelled bool
}

// Err aggregates all step failures, or returns nil.
func (result *Result) Err() error {
	if len(result.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(result.Failed))
	for _, failure := range result.Failed {
		errs = append(errs, failure)
	}
	return errors.Join(errs...)
}

// Applier executes plan steps one rank at a time against an endpoint.
// Steps without dependencies run concurrently, bounded by WorkerPoolSize;
// dependent steps and deletes wait for all outstanding work first.
type Applier struct {
	Log logr.Logger

	Endpoint Endpoint

	// InventoryInstance stores the applied state baseline.
	InventoryInstance inventory.Instance

	Policy Policy

	// DryRun plans bookkeeping as usual but issues no endpoint calls and
	// leaves the stored baseline untouched.
	DryRun bool

	WorkerPoolSize int
}

// Apply executes the plan. Noop steps never reach the endpoint.
//
// Cancellation is honored between steps only: an issued endpoint call is
// always awaited. On full success the overlay's snapshot is atomically
// replaced; under StopOnFirstError a failure leaves the previous baseline
// untouched, so a retry recomputes the same plan suffix.
func (applier *Applier) Apply(ctx context.Context, executionPlan *plan.Plan) (*Result, error) {
	result := &Result{}
	mu := &sync.Mutex{}
	halted := false

	eg := errgroup.Group{}
	limit := applier.WorkerPoolSize
	if limit < 1 {
		limit = 1
	}
	eg.SetLimit(limit)

	skip := func(step plan.Step) {
		mu.Lock()
		defer mu.Unlock()
		result.Skipped = append(result.Skipped, step.Document.Identity())
	}
	shouldHalt := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return halted
	}

	for _, step := range executionPlan.Steps {
		step := step
		if step.Action == plan.Noop {
			continue
		}
		if shouldHalt() {
			skip(step)
			continue
		}
		if ctx.Err() != nil {
			mu.Lock()
			result.Cancelled = true
			mu.Unlock()
			skip(step)
			continue
		}
		if step.Action != plan.Delete && len(step.Dependencies) == 0 {
			eg.Go(func() error {
				// a failure or cancellation may have landed while this step
				// waited for a pool slot
				if shouldHalt() {
					skip(step)
					return nil
				}
				if ctx.Err() != nil {
					mu.Lock()
					result.Cancelled = true
					mu.Unlock()
					skip(step)
					return nil
				}
				applier.runStep(ctx, step, result, mu, &halted)
				return nil
			})
			continue
		}
		// dependent steps and deletes wait for every outstanding step
		_ = eg.Wait()
		if shouldHalt() {
			skip(step)
			continue
		}
		if ctx.Err() != nil {
			mu.Lock()
			result.Cancelled = true
			mu.Unlock()
			skip(step)
			continue
		}
		applier.runStep(ctx, step, result, mu, &halted)
	}
	_ = eg.Wait()

	if result.Cancelled || applier.DryRun {
		return result, nil
	}
	if len(result.Failed) > 0 && applier.Policy == StopOnFirstError {
		return result, nil
	}
	if err := applier.InventoryInstance.Store(applier.snapshot(executionPlan, result)); err != nil {
		return result, err
	}
	return result, nil
}

func (applier *Applier) runStep(
	ctx context.Context,
	step plan.Step,
	result *Result,
	mu *sync.Mutex,
	halted *bool,
) {
	id := step.Document.Identity()
	applier.Log.Info("Applying step", "action", step.Action.String(), "resource", id.String(), "dryRun", applier.DryRun)

	var err error
	if !applier.DryRun {
		// an issued call is never aborted mid-flight
		callCtx := context.WithoutCancel(ctx)
		switch step.Action {
		case plan.Create:
			err = applier.Endpoint.Create(callCtx, step.Document)
		case plan.Update:
			err = applier.Endpoint.Update(callCtx, step.Document)
		case plan.Delete:
			err = applier.Endpoint.Delete(callCtx, id)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		applier.Log.Error(err, "Step failed", "action", step.Action.String(), "resource", id.String())
		result.Failed = append(result.Failed, &Error{ID: id, Cause: err})
		if applier.Policy == StopOnFirstError {
			*halted = true
		}
		return
	}
	result.Applied = append(result.Applied, id)
}

// snapshot assembles the new baseline: every desired document that is now
// known to be live, i.e. noop steps plus successfully applied creates and
// updates.
func (applier *Applier) snapshot(executionPlan *plan.Plan, result *Result) *inventory.Snapshot {
	applied := make(map[manifest.Identity]struct{}, len(result.Applied))
	for _, id := range result.Applied {
		applied[id] = struct{}{}
	}
	var docs []manifest.Document
	for _, step := range executionPlan.Steps {
		switch step.Action {
		case plan.Noop:
			docs = append(docs, step.Document)
		case plan.Create, plan.Update:
			if _, found := applied[step.Document.Identity()]; found {
				docs = append(docs, step.Document)
			}
		}
	}
	return inventory.NewSnapshot(executionPlan.Overlay, docs)
}
