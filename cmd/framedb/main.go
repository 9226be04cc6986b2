package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fulldump/goconfig"

	"github.com/fulldump/framedb/bootstrap"
	"github.com/fulldump/framedb/configuration"
)

var banner = `
  __                          _ _     
 / _|_ __ __ _ _ __ ___   ___| | |__  
| |_| '__/ _` + "`" + ` | '_ ` + "`" + ` _ \ / _ \ | '_ \ 
|  _| | | (_| | | | | | |  __/ | |_) |
|_| |_|  \__,_|_| |_| |_|\___|_|_.__/ 
                   version ` + bootstrap.VERSION + `
`

func main() {

	c := configuration.Default()
	goconfig.Read(&c)

	if c.Version {
		fmt.Println("Version:", bootstrap.VERSION)
		return
	}

	if c.ShowBanner {
		fmt.Println(banner)
	}

	if c.ShowConfig {
		e := json.NewEncoder(os.Stdout)
		e.SetIndent("", "    ")
		e.Encode(c)
	}

	start, _, err := bootstrap.Bootstrap(&c)
	if err != nil {
		fmt.Println("ERROR:", err.Error())
		os.Exit(-1)
	}

	start()
}
