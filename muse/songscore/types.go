// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package songscore

import "strings"

// SubmitResponse is returned by song after a payload was accepted.
type SubmitResponse struct {
	AnalysisID string `json:"analysisId"`
	Status     string `json:"status"`
}

// AnalysisFile describes a file registered for an analysis in song.
type AnalysisFile struct {
	ObjectID   string `json:"objectId"`
	AnalysisID string `json:"analysisId,omitempty"`
	StudyID    string `json:"studyId,omitempty"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	FileMD5Sum string `json:"fileMd5sum"`
	FileType   string `json:"fileType,omitempty"`
	FileAccess string `json:"fileAccess,omitempty"`
	DataType   string `json:"dataType,omitempty"`
}

// analysisStatePublished is the song state of a published analysis.
const analysisStatePublished = "PUBLISHED"

// Analysis is the song view of a submitted analysis.
type Analysis struct {
	AnalysisID    string         `json:"analysisId"`
	StudyID       string         `json:"studyId"`
	AnalysisState string         `json:"analysisState"`
	Files         []AnalysisFile `json:"files"`
}

// IsPublished returns whether song reports the analysis as published.
func (analysis Analysis) IsPublished() bool {
	return strings.EqualFold(analysis.AnalysisState, analysisStatePublished)
}

// HasFiles returns whether any file is registered for the analysis.
func (analysis Analysis) HasFiles() bool {
	return len(analysis.Files) > 0
}

// Part is a single part of a score upload or download.
type Part struct {
	PartNumber int    `json:"partNumber"`
	PartSize   int64  `json:"partSize"`
	Offset     int64  `json:"offset"`
	URL        string `json:"url"`
}

// UploadSpec is returned by score when an upload is initialized or a download is requested.
type UploadSpec struct {
	ObjectID   string `json:"objectId"`
	UploadID   string `json:"uploadId"`
	Parts      []Part `json:"parts"`
	ObjectMD5  string `json:"objectMd5,omitempty"`
	ObjectSize int64  `json:"objectSize,omitempty"`
}

// firstPart returns the single part of spec. Objects are always moved as one
// part, anything else is a precondition failure.
func (spec UploadSpec) firstPart() (Part, error) {
	if len(spec.Parts) != 1 {
		return Part{}, ErrPrecondition.New("object %q has %d parts, expected 1", spec.ObjectID, len(spec.Parts))
	}
	return spec.Parts[0], nil
}
