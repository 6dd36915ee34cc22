// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/bridget/pkg/bridge"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()
	log, err := newLogger(bridge.LoggingConfig{Level: "warn"})
	if err != nil {
		t.Fatal(err)
	}
	if log.GetLevel() != zerolog.WarnLevel {
		t.Errorf("level = %v, want warn", log.GetLevel())
	}
	if _, err := newLogger(bridge.LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected an error for an unknown level")
	}
	if _, err := newLogger(bridge.LoggingConfig{Level: "debug", Pretty: true}); err != nil {
		t.Errorf("pretty logger: %v", err)
	}
}
