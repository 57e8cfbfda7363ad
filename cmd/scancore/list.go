// Copyright 2016 Michael Stapelberg and contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v4"
	"github.com/stapelberg/scancore"
)

func listCommand(g *globals, parent *ff.FlagSet) *ff.Command {
	fs := ff.NewFlagSet("list").SetParent(parent)
	return &ff.Command{
		Name:      "list",
		Usage:     "scancore list",
		ShortHelp: "probe the configured devices and print the attached ones",
		Flags:     fs,
		Exec: g.withEnv(func(ctx context.Context, e *env, args []string) error {
			return printDevices(os.Stdout, e.reg.Devices())
		}),
	}
}

func printDevices(w io.Writer, devs []scancore.Device) error {
	if len(devs) == 0 {
		fmt.Fprintln(w, "no devices found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tBACKEND\tVENDOR\tMODEL\tTYPE")
	for _, d := range devs {
		info := d.Info()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", info.Name, info.Backend, info.Vendor, info.Model, info.Type)
	}
	return tw.Flush()
}
