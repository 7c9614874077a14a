// Copyright 2024 Batchling Authors. All rights reserved.
// Use of this source code is governed by an MIT license that can be
// found in the LICENSE file.

/*
Package main provides a small command-line driver for exercising the
batchling library end to end, without requiring a real provider API key.

# Overview

cmd/batchling-demo offers three subcommands:

	batchling-demo migrate   # apply the cache store's embedded schema
	batchling-demo demo      # run a dry-run batched request and print the result
	batchling-demo version   # print build version information
*/
package main
