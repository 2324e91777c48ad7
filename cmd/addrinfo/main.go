package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"gitlab.com/stephen-fox/smashkit/addressing"
	"gitlab.com/stephen-fox/smashkit/target"
)

const (
	helpArg        = "h"
	profileArg     = "p"
	profileFileArg = "profile-file"
	firstArg       = "first"
	pageOffsetArg  = "page"
	neighboursArg  = "n"

	appName = "addrinfo"
	usage   = appName + `
DESCRIPTION
  Decodes arena offsets with the addressing model of a profile. Prints
  the cache slice, cache set, DRAM bank, column and row of each offset,
  followed by its neighbours in the same bank.

USAGE
  ` + appName + ` [options] OFFSET...

EXAMPLES
  Decode an offset reported in a bit flip:
    $ ` + appName + ` 0x1420000

  Decode huge page offsets of the assoc3 profile with two neighbours:
    $ ` + appName + ` -` + profileArg + ` assoc3 -` + pageOffsetArg + ` -` + neighboursArg + ` 2 0x20000 0x90000

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(
		helpArg,
		false,
		"Display this information")

	profileName := flag.String(
		profileArg,
		"default",
		"The built-in profile to use")

	profileFile := flag.String(
		profileFileArg,
		"",
		"Load the profile from a JSON `file`")

	first := flag.Int(
		firstArg,
		0,
		"Buffer offset of the first huge page")

	pageOffsets := flag.Bool(
		pageOffsetArg,
		false,
		"Treat the offsets as offsets into the first huge page")

	neighbours := flag.Int(
		neighboursArg,
		1,
		"Number of row and column neighbours to print in each direction")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	if flag.NArg() == 0 {
		return fmt.Errorf("please specify at least one offset (use -%s for help)", helpArg)
	}

	var profile target.Profile
	var err error
	if *profileFile != "" {
		profile, err = target.LoadFile(*profileFile)
	} else {
		profile, err = target.Builtin().Lookup(*profileName)
	}
	if err != nil {
		return err
	}

	region := profile.Region(*first)

	err = region.Validate()
	if err != nil {
		return err
	}

	for i, arg := range flag.Args() {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return fmt.Errorf("failed to parse offset %q - %w", arg, err)
		}

		offset := int(v)
		if *pageOffsets {
			offset = region.BufferOffset(v, 0)
		}

		if !region.Contains(offset) {
			return fmt.Errorf("offset %q is outside the arena", arg)
		}

		if i > 0 {
			fmt.Println()
		}

		describe(region, offset, *neighbours)
	}

	return nil
}

func describe(region addressing.Region, offset int, neighbours int) {
	fmt.Printf("offset:      0x%x\n", offset)
	fmt.Printf("huge page:   %d\n", (offset-region.FirstHugePage)/region.HugePageSize)
	fmt.Printf("page offset: 0x%x\n", region.PageOffset(offset))
	fmt.Printf("slice:       %d\n", region.Slice(offset))
	fmt.Printf("set:         %d\n", region.Set(offset))
	fmt.Printf("bank:        %d\n", region.Bank(offset))
	fmt.Printf("column:      %d\n", region.Column(offset))
	fmt.Printf("row:         %d (parity %d)\n", region.Row(offset), region.RowParity(offset))

	for x := -neighbours; x <= neighbours; x++ {
		if x == 0 {
			continue
		}

		row := region.RowAdd(offset, x)
		column := region.ColumnAdd(offset, x)

		fmt.Printf("row %+d:      %s\n", x, neighbour(region, offset, row))
		fmt.Printf("column %+d:   %s\n", x, neighbour(region, offset, column))
	}
}

func neighbour(region addressing.Region, origin int, offset int) string {
	if !region.Contains(offset) {
		return fmt.Sprintf("0x%x (outside the arena)", offset)
	}

	str := fmt.Sprintf("0x%x row %d column %d bank %d",
		offset, region.Row(offset), region.Column(offset), region.Bank(offset))

	if !region.SameBank(origin, offset) {
		str += " (bank mismatch)"
	}

	return str
}
