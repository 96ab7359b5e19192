package main

import (
	"encoding/json"
	"fmt"
	"os"

	"diskarchiver/internal/catalog"
)

// sidecarDiskArchive and sidecarDataStream mirror the JSON sidecar schema
// this binary reads; the core never parses JSON configuration itself, per
// its component boundary.
type sidecarDiskArchive struct {
	UUID           string   `json:"uuid"`
	Description    string   `json:"description"`
	RequiredCopies int      `json:"required_copies"`
	LabelPrefix    string   `json:"label_prefix"`
	ContactNames   []string `json:"contacts"`
}

type sidecarDataStream struct {
	ID              int64             `json:"id"`
	UUID            string            `json:"uuid"`
	Active          bool              `json:"active"`
	Compression     bool              `json:"compression"`
	FileHost        string            `json:"fileHost"`
	FilePath        string            `json:"filePath"`
	FilePrefix      string            `json:"filePrefix"`
	BinarySuffix    string            `json:"binarySuffix"`
	SemaphoreSuffix string            `json:"semaphoreSuffix"`
	Credentials     string            `json:"credentials"`
	WorkflowBean    string            `json:"workflowBean"`
	StreamMetadata  map[string]string `json:"streamMetadata"`
	Archives        []string          `json:"archives"`
	RetroDiskPolicy string            `json:"retroDiskPolicy"`
}

func loadContacts(path string) (map[string]catalog.Contact, error) {
	var raw []catalog.Contact
	if err := loadJSON(path, &raw); err != nil {
		return nil, err
	}
	byName := make(map[string]catalog.Contact, len(raw))
	for _, c := range raw {
		byName[c.Name] = c
	}
	return byName, nil
}

func loadDiskArchives(path string, contacts map[string]catalog.Contact) (map[string]catalog.DiskArchive, error) {
	var raw []sidecarDiskArchive
	if err := loadJSON(path, &raw); err != nil {
		return nil, err
	}

	archives := make(map[string]catalog.DiskArchive, len(raw))
	for _, a := range raw {
		archive := catalog.DiskArchive{
			UUID:           a.UUID,
			Description:    a.Description,
			RequiredCopies: a.RequiredCopies,
			LabelPrefix:    a.LabelPrefix,
		}
		for _, name := range a.ContactNames {
			c, ok := contacts[name]
			if !ok {
				return nil, fmt.Errorf("sidecar: disk archive %s references unknown contact %q", a.UUID, name)
			}
			archive.Contacts = append(archive.Contacts, c)
		}
		archives[a.UUID] = archive
	}
	return archives, nil
}

func loadDataStreams(path string) (map[int64]catalog.DataStream, error) {
	var raw []sidecarDataStream
	if err := loadJSON(path, &raw); err != nil {
		return nil, err
	}

	streams := make(map[int64]catalog.DataStream, len(raw))
	for _, s := range raw {
		streams[s.ID] = catalog.DataStream{
			ID:              s.ID,
			UUID:            s.UUID,
			Active:          s.Active,
			Compression:     s.Compression,
			FileHost:        s.FileHost,
			FilePath:        s.FilePath,
			FilePrefix:      s.FilePrefix,
			BinarySuffix:    s.BinarySuffix,
			SemaphoreSuffix: s.SemaphoreSuffix,
			Credentials:     s.Credentials,
			WorkflowBean:    s.WorkflowBean,
			StreamMetadata:  s.StreamMetadata,
			Archives:        s.Archives,
			RetroDiskPolicy: s.RetroDiskPolicy,
		}
	}
	return streams, nil
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("sidecar: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("sidecar: parse %s: %w", path, err)
	}
	return nil
}
