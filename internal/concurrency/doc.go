// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The task executor behind the completion engine's bottom-half dispatch:
// worker goroutines pulling from a mutex/condition-variable guarded
// eapache/queue.
package concurrency
