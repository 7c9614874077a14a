// Copyright 2024 Batchling Authors. All rights reserved.
// Use of this source code is governed by an MIT license that can be
// found in the LICENSE file.

/*
Package batchling turns a run of ordinary, synchronous HTTP calls against a
generative-AI provider into a handful of asynchronous batch jobs, without
the caller having to know batching happened.

# Overview

Within an active [Scope], outbound requests made through an *http.Client
whose transport batchling has decorated are intercepted, grouped by
provider/endpoint/model, and submitted through that provider's batch API
instead of being sent one at a time. Each caller still gets back an
ordinary *http.Response - batchling blocks the calling goroutine until the
batch it joined resolves, then synthesizes a response shaped exactly like
the one the provider would have returned for a single synchronous call.

	scope, err := batchling.New()
	if err != nil {
		log.Fatal(err)
	}
	ctx, err := scope.Activate(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	defer scope.Deactivate(ctx)

	// any HTTP call issued with ctx, through a hooked client, is now batched.

Batching is driven by two triggers per (provider, endpoint, model) queue: a
size trigger (batch_size requests) and a window trigger (batch_window_seconds
since the first request joined an empty queue). Identical requests are
deduplicated against a small on-disk cache so re-running the same workload
does not resubmit work that already has a batch in flight or finished.
*/
package batchling
