package pipeline

func run(id, command string) Step {
	return Step{Identifier: id, Spec: RunSpec{Command: command}}
}

// sampleDocument is a valid two-stage document:
//
//	stages[0] build: a, b, parallel[c, group g[d, e]], f
//	stages[1] ship:  s
func sampleDocument() Document {
	return Document{
		Identifier: "sample",
		Stages: []Stage{
			{
				Identifier: "build",
				Type:       StageBuild,
				Spec:       StageSpec{ConnectorRef: "account.k8s"},
				Steps: Graph{
					run("a", "make a"),
					run("b", "make b"),
					Parallel{Nodes: Graph{
						run("c", "make c"),
						StepGroup{Identifier: "g", Steps: Graph{
							run("d", "make d"),
							run("e", "make e"),
						}},
					}},
					run("f", "make f"),
				},
			},
			{
				Identifier: "ship",
				Steps:      Graph{run("s", "make ship")},
			},
		},
	}
}

// ids lists the identifiers of a graph's top-level nodes.
func ids(g Graph) []string {
	out := make([]string, 0, len(g))
	for _, n := range g {
		out = append(out, n.ID())
	}
	return out
}
