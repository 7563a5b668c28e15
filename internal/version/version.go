/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries the build version stamp.
package version

// Version is the current version of Grimnir TV.
// This is set at build time via ldflags:
//
//	-X github.com/friendsincode/grimnir_tv/internal/version.Version=X.Y.Z
var Version = "0.3.0"
