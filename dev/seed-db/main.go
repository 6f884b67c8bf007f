package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/run-ci/composer/pipeline"
	"github.com/run-ci/composer/store"
)

func usage() {
	fmt.Println("usage: go run dev/seed-db/main.go -- $POSTGRES_CONNECTION_STRING $PROJECT_ID $PIPELINE_YAML_PATH...")
}

func main() {
	// Passing arguments to `go run` requires the `--` and that also
	// counts as one of the arguments in `os.Args`.
	if len(os.Args) < 5 {
		usage()
		os.Exit(1)
	}

	args := os.Args[2:]

	connstr := args[0]
	if connstr == "" {
		usage()
		return
	}

	projectID, err := strconv.Atoi(args[1])
	if err != nil {
		usage()
		os.Exit(1)
	}

	st, err := store.NewPostgres(connstr)
	if err != nil {
		fmt.Printf("got error connecting to postgres: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		fmt.Printf("got error migrating database: %v\n", err)
		os.Exit(1)
	}

	for _, path := range args[2:] {
		fmt.Printf("seeding project %v with pipeline from %v\n", projectID, path)

		if err := seed(st, projectID, path); err != nil {
			fmt.Printf("got error seeding %v: %v\n", filepath.Base(path), err)
			os.Exit(1)
		}
	}
}

// seed creates the pipeline at path, or updates it if the project
// already has one with the same identifier.
func seed(st store.PipelineStore, projectID int, path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	doc, err := pipeline.Decode(buf)
	if err != nil {
		return err
	}

	if errs := pipeline.Validate(doc); len(errs) > 0 {
		for _, p := range errs.Paths() {
			fmt.Printf("  %v: %v\n", p, errs[p].Message)
		}
	}

	p := store.Pipeline{
		ProjectID: projectID,
		UpdatedBy: "seed-db",
		Document:  doc,
	}

	id, err := st.GetPipelineID(projectID, doc.Identifier)
	switch {
	case errors.Is(err, store.ErrNoPipelines):
		err = st.CreatePipeline(&p)
	case err == nil:
		p.ID = id
		err = st.UpdatePipeline(&p)
	}
	if err != nil {
		return err
	}

	fmt.Printf("got pipeline %v at revision %v\n", p.ID, p.Revision)
	return nil
}
