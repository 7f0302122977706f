// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package validation

import (
	"strings"
	"testing"
)

type registerDevice struct {
	ID         string   `validate:"required,min=1,max=128"`
	Name       string   `validate:"required,max=256"`
	EventTypes []string `validate:"required,min=1"`
	Protocols  []string `validate:"omitempty,dive,oneof=rtsp webrtc"`
}

func TestStruct_Valid(t *testing.T) {
	req := registerDevice{
		ID:         "cam-1",
		Name:       "Front Door",
		EventTypes: []string{"sdm.devices.events.CameraMotion.Motion"},
		Protocols:  []string{"rtsp"},
	}
	if err := Struct(&req); err != nil {
		t.Fatalf("Expected valid struct, got %v", err)
	}
}

func TestStruct_MissingRequired(t *testing.T) {
	req := registerDevice{Name: "Front Door", EventTypes: []string{"x"}}
	err := Struct(&req)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if len(err.Fields) != 1 {
		t.Fatalf("Expected 1 field error, got %d", len(err.Fields))
	}
	if err.Fields[0].Field != "ID" || err.Fields[0].Tag != "required" {
		t.Errorf("Unexpected field error %+v", err.Fields[0])
	}
	if !strings.Contains(err.Error(), "ID is required") {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestStruct_MultipleFailures(t *testing.T) {
	req := registerDevice{}
	err := Struct(&req)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if len(err.Fields) < 2 {
		t.Fatalf("Expected multiple field errors, got %d", len(err.Fields))
	}
	details, ok := err.Details().(map[string]interface{})
	if !ok {
		t.Fatalf("Expected map details for multiple failures, got %T", err.Details())
	}
	if _, ok := details["fields"]; !ok {
		t.Error("Details missing fields list")
	}
}

func TestStruct_OneofTranslation(t *testing.T) {
	req := registerDevice{
		ID:         "cam-1",
		Name:       "Front Door",
		EventTypes: []string{"x"},
		Protocols:  []string{"hls"},
	}
	err := Struct(&req)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !strings.Contains(err.Error(), "must be one of: rtsp webrtc") {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestStruct_SingleFailureDetails(t *testing.T) {
	req := registerDevice{ID: "cam-1", EventTypes: []string{"x"}}
	err := Struct(&req)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	fe, ok := err.Details().(FieldError)
	if !ok {
		t.Fatalf("Expected FieldError details, got %T", err.Details())
	}
	if fe.Field != "Name" {
		t.Errorf("Expected Name failure, got %+v", fe)
	}
}
