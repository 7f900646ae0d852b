/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/ghodss/yaml"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/notargets/repart/comm"
	"github.com/notargets/repart/grids"
	"github.com/notargets/repart/types"
)

type ModelBalance struct {
	ScenarioFile string
	Steps        int
	Mu           float64
	Check        bool
	Profile      bool
}

// Blob is a uniform lattice of particles filling a sub-box of the domain.
type Blob struct {
	Origin       [3]float64 `yaml:"Origin"`
	Extent       [3]float64 `yaml:"Extent"`
	CountPerAxis int        `yaml:"CountPerAxis"`
}

// Parameters obtained from the YAML scenario file
type Parameters struct {
	Title       string     `yaml:"Title"`
	BoxL        [3]float64 `yaml:"BoxL"`
	MinCellSize float64    `yaml:"MinCellSize"`
	ProcGrid    [3]int     `yaml:"ProcGrid"`
	Steps       int        `yaml:"Steps"`
	Mu          float64    `yaml:"Mu"`
	FlowKind    string     `yaml:"FlowKind"`
	Blobs       []Blob     `yaml:"Blobs"`
}

func (p *Parameters) Parse(data []byte) error {
	return yaml.Unmarshal(data, p)
}

func (p *Parameters) Print() {
	fmt.Printf("\"%s\"\t\t= Title\n", p.Title)
	fmt.Printf("%v\t= BoxL\n", p.BoxL)
	fmt.Printf("%8.5f\t\t= MinCellSize\n", p.MinCellSize)
	fmt.Printf("%v\t\t= ProcGrid\n", p.ProcGrid)
	fmt.Printf("[%d]\t\t\t= Steps\n", p.Steps)
	fmt.Printf("%8.5f\t\t= Mu\n", p.Mu)
	fmt.Printf("[%s]\t\t\t= FlowKind\n", p.FlowKind)
	for i, b := range p.Blobs {
		fmt.Printf("Blobs[%d] = %v\n", i, b)
	}
}

// BalanceCmd represents the balance command
var BalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Run a load balancing scenario on an in-process process grid",
	Long: `
Runs the grid-based repartitioner over an in-process Cartesian communicator,
one goroutine per rank, against a particle distribution read from a YAML
scenario file, and reports the load imbalance after every step.`,
	Run: func(cmd *cobra.Command, args []string) {
		var (
			err error
		)
		mb := &ModelBalance{}
		if mb.ScenarioFile, err = cmd.Flags().GetString("scenarioFile"); err != nil {
			panic(err)
		}
		mb.Steps, _ = cmd.Flags().GetInt("steps")
		mb.Mu, _ = cmd.Flags().GetFloat64("mu")
		mb.Check, _ = cmd.Flags().GetBool("check")
		mb.Profile, _ = cmd.Flags().GetBool("profile")
		p := processBalanceInput(mb)
		RunBalance(mb, p)
	},
}

func processBalanceInput(mb *ModelBalance) (p *Parameters) {
	var (
		err      error
		willExit bool
	)
	if len(mb.ScenarioFile) == 0 {
		err := fmt.Errorf("must supply a scenario file (-S, --scenarioFile) in YAML format")
		fmt.Printf("error: %s\n", err.Error())
		willExit = true
	}
	if willExit {
		exampleFile := `
########################################
Title: "Corner Blob"
BoxL: [2., 2., 2.]
MinCellSize: 0.25
ProcGrid: [2, 2, 2]
Steps: 5
Mu: 0.05
FlowKind: "wlm"
Blobs:
  - Origin: [0.1, 0.1, 0.1]
    Extent: [0.8, 0.8, 0.8]
    CountPerAxis: 6
########################################
`
		fmt.Printf("Example scenario file:%s", exampleFile)
		os.Exit(1)
	}
	p = &Parameters{}
	var data []byte
	if data, err = ioutil.ReadFile(mb.ScenarioFile); err != nil {
		fmt.Printf("unable to read scenario file %s: %s\n", mb.ScenarioFile, err.Error())
		os.Exit(1)
	}
	if err = p.Parse(data); err != nil {
		fmt.Printf("unable to parse scenario file %s: %s\n", mb.ScenarioFile, err.Error())
		os.Exit(1)
	}
	if mb.Steps != 0 {
		p.Steps = mb.Steps
	}
	if mb.Mu != 0 {
		p.Mu = mb.Mu
	}
	p.Print()
	return
}

var flowKinds = map[string]grids.FlowCalcKind{
	"wlm":    grids.FlowCalcWillebeek,
	"schorn": grids.FlowCalcSchorn,
	"soc":    grids.FlowCalcSOC,
	"so":     grids.FlowCalcSO,
	"sof":    grids.FlowCalcSOF,
}

// particleEngine owns the (globally replicated) particle ensemble and hands
// each rank the particles inside its current subdomain.
type particleEngine struct {
	cart *comm.Cart
	grid *grids.GridBased
	all  []types.Vec3
}

func (pe *particleEngine) Particles() (mine []types.Vec3) {
	for _, p := range pe.all {
		if r, err := pe.grid.PositionToRank(p); err == nil && r == pe.cart.Rank() {
			mine = append(mine, p)
		}
	}
	return
}

func blobParticles(blobs []Blob) (all []types.Vec3) {
	for _, b := range blobs {
		n := b.CountPerAxis
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				for k := 0; k < n; k++ {
					all = append(all, types.Vec3{
						b.Origin[0] + b.Extent[0]*(float64(i)+0.5)/float64(n),
						b.Origin[1] + b.Extent[1]*(float64(j)+0.5)/float64(n),
						b.Origin[2] + b.Extent[2]*(float64(k)+0.5)/float64(n),
					})
				}
			}
		}
	}
	return
}

func RunBalance(mb *ModelBalance, p *Parameters) {
	if mb.Profile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	var (
		dims = types.Vec3i{p.ProcGrid[0], p.ProcGrid[1], p.ProcGrid[2]}
		kind = grids.FlowCalcWillebeek
		all  = blobParticles(p.Blobs)
	)
	if k, ok := flowKinds[p.FlowKind]; ok {
		kind = k
	}

	fb := comm.NewFabric(dims.Prod())
	err := fb.Run(dims, func(c *comm.Cart) {
		eng := &particleEngine{cart: c, all: all}
		g, err := grids.NewGridBased(c, types.Vec3{p.BoxL[0], p.BoxL[1], p.BoxL[2]},
			p.MinCellSize, eng)
		if err != nil {
			panic(err)
		}
		eng.grid = g
		g.Command(fmt.Sprintf("mu = %f", p.Mu))

		metric := func() []float64 {
			w := make([]float64, g.NLocalCells())
			for i := range w {
				w[i] = 1e-3 // idle cost of an empty cell
			}
			for _, pt := range eng.Particles() {
				if ci, err := g.PositionToCellIndex(pt); err == nil && ci < g.NLocalCells() {
					w[ci]++
				}
			}
			return w
		}

		neighbors := make([]int, g.NNeighbors())
		for i := range neighbors {
			neighbors[i] = g.NeighborRank(i)
		}
		diff := grids.NewDiffusion(c, neighbors, kind, func(neighbors []int, volumes []float64) {})
		defer diff.Free()

		for step := 0; step < p.Steps; step++ {
			accepted := g.Repartition(metric, func() {})

			var load float64
			for _, w := range metric() {
				load += w
			}
			volumes := diff.ComputeVolumes(load)
			var outgoing float64
			for _, v := range volumes {
				outgoing += v
			}

			loads := c.AllGather([]float64{load})
			if c.Rank() == 0 {
				var sum, max float64
				for _, l := range loads {
					sum += l
					if l > max {
						max = l
					}
				}
				fmt.Printf("step %d: accepted=%v imbalance=%.3f flow_out[0]=%.3f\n",
					step, accepted, max*float64(len(loads))/sum, outgoing)
			}

			if mb.Check {
				nlocalSum := c.AllReduceInt(comm.OpSum, g.NLocalCells())
				if nlocalSum != g.GridSize().Prod() {
					panic(fmt.Sprintf("coverage broken: %d cells owned, %d expected",
						nlocalSum, g.GridSize().Prod()))
				}
				if g.NLocalCells() == 0 {
					panic("empty subdomain")
				}
			}
		}
	})
	if err != nil {
		fmt.Printf("balance run failed: %s\n", err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(BalanceCmd)
	BalanceCmd.Flags().StringP("scenarioFile", "S", "", "YAML scenario file")
	BalanceCmd.Flags().IntP("steps", "n", 0, "override the number of repartition steps")
	BalanceCmd.Flags().Float64P("mu", "m", 0, "override the gridpoint step size")
	BalanceCmd.Flags().BoolP("check", "c", false, "validate partition invariants after every step")
	BalanceCmd.Flags().BoolP("profile", "p", false, "write a CPU profile to the working directory")
}
