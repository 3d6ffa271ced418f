// Package watcher turns filesystem changes under the override paths into
// WatchEvents.
//
// New(root, patterns) accepts file paths, glob patterns and directories,
// all relative to root. Files and globs are matched by watching their
// parent directory, which also catches the rename→create sequence used by
// atomic-save editors. Directories are watched recursively, and directories
// created under them later are added as they appear.
//
// Run(ctx, out) emits one WatchEvent per write or create of a matching path.
// There is no debounce. Dotfiles and chmod-only events are ignored. Ready()
// is closed exactly once, after every initial path has been registered.
package watcher
