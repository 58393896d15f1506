// SPDX-License-Identifier: Apache-2.0

package domain

import "testing"

func TestRunStatusConstants(t *testing.T) {
	if RunRunning != "running" {
		t.Fatalf("unexpected RunRunning value: %s", RunRunning)
	}
	if RunSuccess != "success" {
		t.Fatalf("unexpected RunSuccess value: %s", RunSuccess)
	}
	if RunError != "error" {
		t.Fatalf("unexpected RunError value: %s", RunError)
	}
}

func TestEventTypeConstants(t *testing.T) {
	if EventRequestReceived != "request_received" {
		t.Fatalf("unexpected EventRequestReceived value: %s", EventRequestReceived)
	}
	if EventRequestSent != "request_sent" {
		t.Fatalf("unexpected EventRequestSent value: %s", EventRequestSent)
	}
	if EventFirstToken != "first_token" {
		t.Fatalf("unexpected EventFirstToken value: %s", EventFirstToken)
	}
	if EventTokenChunk != "token_chunk" {
		t.Fatalf("unexpected EventTokenChunk value: %s", EventTokenChunk)
	}
	if EventStreamFinished != "stream_finished" {
		t.Fatalf("unexpected EventStreamFinished value: %s", EventStreamFinished)
	}
	if EventRequestFinished != "request_finished" {
		t.Fatalf("unexpected EventRequestFinished value: %s", EventRequestFinished)
	}
	if EventError != "error" {
		t.Fatalf("unexpected EventError value: %s", EventError)
	}
}

func TestRunPatchIsEmpty(t *testing.T) {
	if !(RunPatch{}).IsEmpty() {
		t.Fatal("zero patch should be empty")
	}

	status := RunError
	if (RunPatch{Status: &status}).IsEmpty() {
		t.Fatal("patch with status should not be empty")
	}
}
