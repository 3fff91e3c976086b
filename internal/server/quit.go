// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"net/http"
	"sync"

	log "github.com/golang/glog"
)

// QuitHandler returns an http handler that asks the process to wind down by
// closing quit, once; later requests just get the same acknowledgement.
// Long-running load tools register this so soak runs can be ended remotely
// without losing the run summary a hard kill would drop.
func QuitHandler(quit chan<- struct{}) http.HandlerFunc {
	var once sync.Once
	return func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			log.Infof("Received a quit request, winding down.")
			close(quit)
		})
		w.Write([]byte("quitting\n"))
	}
}
