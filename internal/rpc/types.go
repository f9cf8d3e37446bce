package rpc

import (
	"github.com/alucardeht/libspecd/internal/ledger"
	"github.com/alucardeht/libspecd/internal/libspec"
)

const (
	MethodGetLibraryInfo        = "libspec/getLibraryInfo"
	MethodGetLibraryNames       = "libspec/getLibraryNames"
	MethodAddWorkspaceFolder    = "libspec/addWorkspaceFolder"
	MethodRemoveWorkspaceFolder = "libspec/removeWorkspaceFolder"
	MethodAddSearchFolder       = "libspec/addSearchFolder"
	MethodRemoveSearchFolder    = "libspec/removeSearchFolder"
	MethodHistory               = "libspec/history"
	MethodSynchronize           = "libspec/synchronize"
	MethodShutdown              = "shutdown"
)

type GetLibraryInfoParams struct {
	Libname       string `json:"libname"`
	Create        bool   `json:"create"`
	CurrentDocURI string `json:"currentDocUri,omitempty"`
}

type GetLibraryInfoResult struct {
	Found   bool                `json:"found"`
	Library *libspec.LibraryDoc `json:"library,omitempty"`
}

type LibraryNamesResult struct {
	Names []string `json:"names"`
}

// FolderParams accepts a file:// URI or a plain path.
type FolderParams struct {
	URI string `json:"uri"`
}

type HistoryParams struct {
	Libname string `json:"libname,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type HistoryResult struct {
	Attempts []*ledger.Attempt `json:"attempts"`
}
