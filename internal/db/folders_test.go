package db

import (
	"testing"

	apperrors "github.com/linchen/recall/internal/errors"
	"github.com/linchen/recall/internal/models"
)

func TestInsertAndGetFolder(t *testing.T) {
	repo := setupTestRepo(t)

	folder := &models.Folder{Name: "Networking"}
	if err := repo.InsertFolder(folder); err != nil {
		t.Fatalf("Failed to insert folder: %v", err)
	}
	if folder.ID == "" {
		t.Fatal("Expected insert to assign an ID")
	}

	got, err := repo.GetFolder(folder.ID)
	if err != nil {
		t.Fatalf("Failed to get folder: %v", err)
	}
	if got.Name != "Networking" {
		t.Errorf("Expected name %q, got %q", "Networking", got.Name)
	}
}

func TestFolderCycleRejected(t *testing.T) {
	repo := setupTestRepo(t)

	a := &models.Folder{Name: "A"}
	if err := repo.InsertFolder(a); err != nil {
		t.Fatalf("Failed to insert folder: %v", err)
	}
	b := &models.Folder{Name: "B", ParentID: a.ID}
	if err := repo.InsertFolder(b); err != nil {
		t.Fatalf("Failed to insert folder: %v", err)
	}

	// A under B would close the loop A -> B -> A.
	a.ParentID = b.ID
	err := repo.UpdateFolder(a)
	if !apperrors.Is(err, apperrors.ErrFolderCycle) {
		t.Errorf("Expected FOLDER_CYCLE, got %v", err)
	}

	// Self-parenting is the degenerate cycle.
	b.ParentID = b.ID
	err = repo.UpdateFolder(b)
	if !apperrors.Is(err, apperrors.ErrFolderCycle) {
		t.Errorf("Expected FOLDER_CYCLE for self-parent, got %v", err)
	}
}

func TestInsertFolderMissingParent(t *testing.T) {
	repo := setupTestRepo(t)

	orphan := &models.Folder{Name: "Orphan", ParentID: "99999999-0000-0000-0000-000000000000"}
	err := repo.InsertFolder(orphan)
	if !apperrors.Is(err, apperrors.ErrFolderNotFound) {
		t.Errorf("Expected FOLDER_NOT_FOUND, got %v", err)
	}
}

func TestDeleteFolderReparentsChildren(t *testing.T) {
	repo := setupTestRepo(t)

	root := &models.Folder{Name: "Root"}
	if err := repo.InsertFolder(root); err != nil {
		t.Fatalf("Failed to insert folder: %v", err)
	}
	mid := &models.Folder{Name: "Mid", ParentID: root.ID}
	if err := repo.InsertFolder(mid); err != nil {
		t.Fatalf("Failed to insert folder: %v", err)
	}
	leaf := &models.Folder{Name: "Leaf", ParentID: mid.ID}
	if err := repo.InsertFolder(leaf); err != nil {
		t.Fatalf("Failed to insert folder: %v", err)
	}

	topic := newTestTopic("Filed")
	topic.FolderID = mid.ID
	if err := repo.InsertTopic(topic); err != nil {
		t.Fatalf("Failed to insert topic: %v", err)
	}

	if err := repo.DeleteFolder(mid.ID); err != nil {
		t.Fatalf("Failed to delete folder: %v", err)
	}

	gotLeaf, err := repo.GetFolder(leaf.ID)
	if err != nil {
		t.Fatalf("Failed to get reparented folder: %v", err)
	}
	if gotLeaf.ParentID != root.ID {
		t.Errorf("Expected leaf reparented to root, got parent %s", gotLeaf.ParentID)
	}

	gotTopic, err := repo.GetTopic(topic.ID)
	if err != nil {
		t.Fatalf("Failed to get topic: %v", err)
	}
	if gotTopic.FolderID != "" {
		t.Errorf("Expected topic detached from deleted folder, got %s", gotTopic.FolderID)
	}
}

func TestListFoldersOrder(t *testing.T) {
	repo := setupTestRepo(t)

	for _, f := range []*models.Folder{
		{Name: "Zeta", SortOrder: 0},
		{Name: "Alpha", SortOrder: 0},
		{Name: "Pinned", SortOrder: -1},
	} {
		if err := repo.InsertFolder(f); err != nil {
			t.Fatalf("Failed to insert folder: %v", err)
		}
	}

	folders, err := repo.ListFolders()
	if err != nil {
		t.Fatalf("Failed to list folders: %v", err)
	}
	if len(folders) != 3 {
		t.Fatalf("Expected 3 folders, got %d", len(folders))
	}
	if folders[0].Name != "Pinned" || folders[1].Name != "Alpha" || folders[2].Name != "Zeta" {
		t.Errorf("Unexpected order: %s, %s, %s", folders[0].Name, folders[1].Name, folders[2].Name)
	}
}
