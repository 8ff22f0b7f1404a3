// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for Warden
// components.
//
// Configuration is loaded from a single file specified by either the
// WARDEN_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production defaults are stricter:
// crash detection is faster and log retention shorter.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${WARDEN_ROOT}, and ${VAR:-default} patterns are expanded.
// No other environment variables override config values.
package config
