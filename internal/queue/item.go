package queue

import (
	"fmt"
	"strconv"

	"github.com/italolelis/novel_downloader/internal/library"
)

// Action is an exclusive category of background batch work.
type Action string

const (
	ActionNone     Action = ""
	ActionDownload Action = "download"
	ActionBackup   Action = "backup"
	ActionRestore  Action = "restore"
)

func (a Action) String() string {
	if a == ActionNone {
		return "none"
	}

	return string(a)
}

// ParseAction accepts the persisted and display forms ("" and "none" both mean no action).
func ParseAction(s string) (Action, error) {
	switch s {
	case "", "none":
		return ActionNone, nil
	case string(ActionDownload):
		return ActionDownload, nil
	case string(ActionBackup):
		return ActionBackup, nil
	case string(ActionRestore):
		return ActionRestore, nil
	default:
		return ActionNone, fmt.Errorf("unknown action %q", s)
	}
}

type ItemKind string

const (
	KindChapterDownload ItemKind = "chapter_download"
	KindNovelRestore    ItemKind = "novel_restore"
)

// WorkItem is one unit of queued work. Exactly one of Chapter or Novel is set,
// matching Kind. Items are never mutated after they are enqueued.
type WorkItem struct {
	Kind    ItemKind         `json:"kind"`
	Chapter *ChapterDownload `json:"chapter,omitempty"`
	Novel   *NovelRestore    `json:"novel,omitempty"`
}

type ChapterDownload struct {
	NovelID     int64  `json:"novelId"`
	ChapterID   int64  `json:"chapterId"`
	PluginID    string `json:"pluginId"`
	NovelName   string `json:"novelName"`
	ChapterName string `json:"chapterName"`
	Path        string `json:"path"`
}

type NovelRestore struct {
	Novel library.Novel `json:"novel"`
	Index int           `json:"index"`
}

func NewChapterDownload(c ChapterDownload) WorkItem {
	return WorkItem{Kind: KindChapterDownload, Chapter: &c}
}

func NewNovelRestore(n library.Novel, index int) WorkItem {
	return WorkItem{Kind: KindNovelRestore, Novel: &NovelRestore{Novel: n, Index: index}}
}

// Key identifies the item for bulk removal: "chapter:<id>" or "novel:<plugin>:<path>".
func (w WorkItem) Key() string {
	switch {
	case w.Kind == KindChapterDownload && w.Chapter != nil:
		return "chapter:" + strconv.FormatInt(w.Chapter.ChapterID, 10)
	case w.Kind == KindNovelRestore && w.Novel != nil:
		return "novel:" + w.Novel.Novel.PluginID + ":" + w.Novel.Novel.Path
	default:
		return "unknown"
	}
}

// Label is the human readable name used in notifications and progress.
func (w WorkItem) Label() string {
	switch {
	case w.Chapter != nil:
		return w.Chapter.ChapterName
	case w.Novel != nil:
		return w.Novel.Novel.Name
	default:
		return w.Key()
	}
}

// Title is the progress headline, the owning novel for chapter downloads.
func (w WorkItem) Title() string {
	if w.Chapter != nil {
		return w.Chapter.NovelName
	}

	return w.Label()
}

// PluginID is the content source the item is fetched from.
func (w WorkItem) PluginID() string {
	switch {
	case w.Chapter != nil:
		return w.Chapter.PluginID
	case w.Novel != nil:
		return w.Novel.Novel.PluginID
	default:
		return ""
	}
}
