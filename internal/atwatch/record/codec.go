package record

// codec.go maps Record between the in-memory model and the on-disk JSON
// shape. Timestamps are opaque time.Time values internally and serialize to
// the fixed "20060102 15:04:05" layout only at this boundary.

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is the stable serialization format for record and message
// timestamps. Changing it invalidates existing record files.
const TimeLayout = "20060102 15:04:05"

type recordFile struct {
	ID              string        `json:"id"`
	RoomID          string        `json:"room_id"`
	SenderID        string        `json:"sender_id"`
	Targets         []targetFile  `json:"targets"`
	StartTime       string        `json:"start_time"`
	Messages        []messageFile `json:"messages"`
	AssociatedMedia []string      `json:"associated_media"`
}

type targetFile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type messageFile struct {
	SenderID    string        `json:"sender_id"`
	DisplayName string        `json:"display_name"`
	Time        string        `json:"time"`
	MessageID   string        `json:"message_id"`
	Content     []contentFile `json:"content"`
}

type contentFile struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	URL        string `json:"url,omitempty"`
	LocalPath  string `json:"local_path,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
	TargetName string `json:"target_name,omitempty"`
}

// Marshal serializes a record into its on-disk JSON form.
func Marshal(r *Record) ([]byte, error) {
	rf := recordFile{
		ID:              r.ID,
		RoomID:          r.RoomID,
		SenderID:        r.SenderID,
		StartTime:       r.StartTime.Format(TimeLayout),
		AssociatedMedia: r.AssociatedMedia,
	}
	if rf.AssociatedMedia == nil {
		rf.AssociatedMedia = []string{}
	}
	for _, t := range r.Targets {
		rf.Targets = append(rf.Targets, targetFile{ID: t.ID, Name: t.Name})
	}
	for i := range r.Messages {
		rf.Messages = append(rf.Messages, marshalMessage(&r.Messages[i]))
	}
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("record: marshal %s: %w", r.ID, err)
	}
	return data, nil
}

// Unmarshal parses an on-disk record file. An unparseable start_time does not
// fail the whole record: the record is returned with a zero StartTime so the
// sweeper can conservatively keep it.
func Unmarshal(data []byte) (*Record, error) {
	var rf recordFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("record: unmarshal: %w", err)
	}
	if rf.ID == "" || rf.RoomID == "" {
		return nil, fmt.Errorf("record: unmarshal: missing id or room_id")
	}

	r := &Record{
		ID:              rf.ID,
		RoomID:          rf.RoomID,
		SenderID:        rf.SenderID,
		AssociatedMedia: rf.AssociatedMedia,
	}
	if ts, err := time.ParseInLocation(TimeLayout, rf.StartTime, time.Local); err == nil {
		r.StartTime = ts
	}
	for _, t := range rf.Targets {
		r.Targets = append(r.Targets, MentionTarget{ID: t.ID, Name: t.Name})
	}
	for _, mf := range rf.Messages {
		r.Messages = append(r.Messages, unmarshalMessage(mf))
	}
	return r, nil
}

func marshalMessage(m *Message) messageFile {
	mf := messageFile{
		SenderID:    m.SenderID,
		DisplayName: m.DisplayName,
		Time:        m.Time.Format(TimeLayout),
		MessageID:   m.PlatformID,
	}
	for _, item := range m.Content {
		cf := contentFile{Type: string(item.Kind)}
		switch item.Kind {
		case KindText:
			cf.Text = item.Text
		case KindImage:
			cf.URL = item.URL
			cf.LocalPath = item.LocalPath
		case KindMention:
			cf.TargetID = item.TargetID
			cf.TargetName = item.TargetName
		}
		mf.Content = append(mf.Content, cf)
	}
	return mf
}

func unmarshalMessage(mf messageFile) Message {
	m := Message{
		SenderID:    mf.SenderID,
		DisplayName: mf.DisplayName,
		PlatformID:  mf.MessageID,
	}
	if ts, err := time.ParseInLocation(TimeLayout, mf.Time, time.Local); err == nil {
		m.Time = ts
	}
	for _, cf := range mf.Content {
		item := ContentItem{Kind: ContentKind(cf.Type)}
		switch item.Kind {
		case KindText:
			item.Text = cf.Text
		case KindImage:
			item.URL = cf.URL
			item.LocalPath = cf.LocalPath
		case KindMention:
			item.TargetID = cf.TargetID
			item.TargetName = cf.TargetName
		}
		m.Content = append(m.Content, item)
	}
	return m
}
