// Package process spawns entry commands directly, without a shell, and owns
// their termination.
//
// Every child is placed in a fresh process group (unix) or job object
// (windows) at spawn time. Handle.Terminate signals the whole group, so
// workers forked or exec'd by shims such as npm, uv or version managers are
// stopped together with the root process. On Linux the child also receives
// SIGTERM if procman itself dies without running its shutdown path.
package process
