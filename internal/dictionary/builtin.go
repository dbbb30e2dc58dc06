package dictionary

// builtinModel is the base content model every dictionary starts from.
const builtinModel = `
namespace "cm" {
  uri = "http://www.alfresco.org/model/content/1.0"
}

namespace "sys" {
  uri = "http://www.alfresco.org/model/system/1.0"
}

type "cm:cmobject" {
  property "cm:name" {
    type       = "d:text"
    max_length = 255
  }
}

type "cm:content" {
  parent = "cm:cmobject"
}

type "cm:folder" {
  parent    = "cm:cmobject"
  container = true
}

aspect "cm:titled" {
  property "cm:title" {
    type = "d:mltext"
  }
  property "cm:description" {
    type = "d:mltext"
  }
}

aspect "cm:author" {
  property "cm:author" {
    type = "d:text"
  }
}

aspect "cm:auditable" {
  property "cm:created" {
    type = "d:datetime"
  }
  property "cm:creator" {
    type = "d:text"
  }
  property "cm:modified" {
    type = "d:datetime"
  }
  property "cm:modifier" {
    type = "d:text"
  }
}

aspect "cm:versionable" {
  property "cm:versionLabel" {
    type = "d:text"
  }
  property "cm:autoVersion" {
    type = "d:boolean"
  }
}

aspect "cm:taggable" {
  property "cm:taggable" {
    type     = "d:text"
    multiple = true
  }
}

aspect "cm:generalclassifiable" {
  property "cm:categories" {
    type     = "d:text"
    multiple = true
  }
}

aspect "cm:effectivity" {
  property "cm:from" {
    type = "d:datetime"
  }
  property "cm:to" {
    type = "d:datetime"
  }
}

aspect "sys:hidden" {}
`
