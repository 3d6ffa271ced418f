// Package config resolves the proxy configuration at startup.
//
// Config fields:
//   - TargetPortal     upstream origin (TARGET_PORTAL, required)
//   - HTTPPort         proxy listen port (DEV_PORT, default 3000)
//   - WSPort           hot-reload WebSocket port (default HTTPPort+1)
//   - RootDir          directory overrides and watch globs resolve against (default ".")
//   - CDNBase          production prefix the overrides are published under
//   - Overrides        local files served instead of the upstream copy
//   - Watch            extra globs/directories to watch (default "dist")
//   - RewriteRules     extra literal URL substitutions for proxied HTML
//   - MaxRewriteBytes  HTML buffer cap (default 16 MiB)
//   - UpstreamTimeout  upstream response-header timeout (default 60s, 0 = none)
//   - ReconnectDelay   client agent redial delay (default 2s)
//
// Load(path, env) applies defaults, then the optional YAML file, then the
// environment, then validates. The result is never mutated afterwards.
package config
