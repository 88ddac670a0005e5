// Package dedupe tracks completed task ids so that redelivered task
// messages are acknowledged without re-executing their side effects.
package dedupe
