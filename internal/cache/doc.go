// Copyright 2024 Batchling Authors. All rights reserved.
// Use of this source code is governed by an MIT license that can be
// found in the LICENSE file.

/*
Package cache persists the fingerprint-to-batch mapping that lets the
engine recognize a request it has already submitted (or already has
results for) without resubmitting it.

Storage is GORM over sqlite, Postgres, or MySQL, selected from a DSN at
construction time; schema changes ship as golang-migrate migrations
embedded per backend.
*/
package cache
